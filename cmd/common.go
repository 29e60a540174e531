package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/agentbus/apis"
	"github.com/alwitt/agentbus/client"
	"github.com/alwitt/agentbus/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineHTTPServer wrap the router with access logging and define the server
func defineHTTPServer(
	config common.HTTPServerConfig, router *mux.Router, instance string,
) *http.Server {
	accessLog := apis.GetRequestLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// serveUntilDone run the HTTP server until the context is cancelled
func serveUntilDone(
	runTimeContext context.Context, httpSrv *http.Server, logTags log.Fields,
) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serveErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)

	var result error
	select {
	case <-runTimeContext.Done():
	case result = <-serveErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}
	return result
}

// defineHubDialer define the client dialer for a remote hub
func defineHubDialer(
	instance, host string, port uint16, transports []string, handshakeSec int, writeTimeout time.Duration,
) (client.Dialer, error) {
	return client.GetDialer(instance, client.Config{
		Address:          fmt.Sprintf("%s:%d", host, port),
		Transports:       transports,
		HandshakeTimeout: time.Second * time.Duration(handshakeSec),
		WriteTimeout:     writeTimeout,
	})
}
