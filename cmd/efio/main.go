package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/host/v3"

	efio "github.com/edgeforce/efio"
)

// Pin names for the four DI and four DO channels on the stock controller.
var (
	defaultInputs  = [efio.NumChannels]string{"GPIO99", "GPIO58", "GPIO49", "GPIO98"}
	defaultOutputs = [efio.NumChannels]string{"GPIO56", "GPIO59", "GPIO60", "GPIO61"}
)

func main() {
	settingsPath := flag.String("config", "/etc/efio/efio.ini", "daemon settings file")
	flag.Parse()

	settings, err := efio.LoadSettings(*settingsPath)
	if err != nil {
		log.Warnf("settings not loaded, using defaults: %v", err)
	}
	if level, err := log.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if _, err := host.Init(); err != nil {
		log.Warnf("periph host init failed, hardware will run simulated: %v", err)
	}

	dio := &efio.GPIOLines{
		InputNames:  defaultInputs,
		OutputNames: defaultOutputs,
	}

	daemon, err := efio.NewDaemon(settings, dio, efio.DefaultControllerFactory, nil)
	if err != nil {
		log.Fatalf("daemon init: %v", err)
	}
	daemon.Start()

	gateway := efio.NewHTTPGateway(daemon, nil)
	go func() {
		if err := gateway.Start(settings.HTTPAddr); err != nil {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("shutting down on %s", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gateway.Shutdown(ctx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	daemon.Stop()
}
