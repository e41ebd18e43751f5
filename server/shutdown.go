/******************************************************************************
 *
 *  Description :
 *
 *    Run loop: serve until a termination signal or listener failure, then
 *    drain the gateway.
 *
 *****************************************************************************/

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// watchSignals converts the first SIGINT/SIGTERM/SIGHUP into a shutdown
// request.
func watchSignals() <-chan struct{} {
	quit := make(chan struct{})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		log.Printf("shutdown: received %s, draining", <-sigs)
		close(quit)
	}()

	return quit
}

// listenAndServe runs the gateway until a termination signal or a listener
// failure, then drains it.
func listenAndServe(gw *Gateway, stop <-chan struct{}) error {
	httpdone := make(chan error, 1)

	go func() {
		httpdone <- gw.Serve()
	}()

	select {
	case <-stop:
		gw.Close(context.Background())
		// Serve returns once Shutdown has closed the listener.
		return <-httpdone

	case err := <-httpdone:
		return err
	}
}
