// Package web serves health probes, pool status and prometheus metrics over http.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/pool"
)

type external struct {
	ctx     context.Context
	healthC chan<- func(*healthInternal)
	p       *pool.Pool
	metrics http.Handler
}

type Configuration struct {
	ListenUrl string
}

// Run serves until ctx ends.  The returned channel carries the listener error.
func Run(
	ctx context.Context,
	config Configuration,
	p *pool.Pool,
) (signalC <-chan error) {
	errorC := make(chan error, 1)
	signalC = errorC
	healthC := make(chan func(*healthInternal), 10)
	e1 := external{
		ctx:     ctx,
		healthC: healthC,
		p:       p,
		metrics: promhttp.Handler(),
	}
	server := &http.Server{
		Addr:              config.ListenUrl,
		Handler:           e1,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go loopHealth(ctx, healthC, p)
	go loopClose(ctx, server)
	go loopServe(server, errorC)
	log.Infof("http listening on %s", config.ListenUrl)
	e1.has_started()
	return
}

func loopServe(server *http.Server, errorC chan<- error) {
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	}
	errorC <- err
}

func loopClose(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	server.Shutdown(context.Background())
}

func (e1 external) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debugf("serving uri path=%s", r.URL.Path)
	switch r.URL.Path {
	case "/health/startup":
		e1.startup(w)
	case "/health/liveness":
		e1.liveness(w)
	case "/status":
		e1.status(w)
	case "/metrics":
		e1.metrics.ServeHTTP(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
