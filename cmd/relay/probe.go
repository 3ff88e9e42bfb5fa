package main

import (
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/solpipe/delivery/config"
	"github.com/solpipe/delivery/endpoint"
	"github.com/solpipe/delivery/pool"
)

type Probe struct {
	Config string `name:"config" short:"c" help:"YAML configuration file" type:"path"`
}

func (r *Probe) Run(kongCtx *CLIContext) error {
	c, err := config.Load(r.Config)
	if err != nil {
		return err
	}
	endpoints, err := c.BuildEndpoints()
	if err != nil {
		return err
	}
	relayConfig, err := c.Relay()
	if err != nil {
		return err
	}
	results := make([]endpoint.Health, len(endpoints))
	wg := &sync.WaitGroup{}
	for i, e := range endpoints {
		wg.Add(1)
		go func(i int, e *endpoint.Endpoint) {
			defer wg.Done()
			results[i], _ = pool.ProbeOnce(kongCtx.Ctx, e, relayConfig.Probe, pool.SlotProbe, 0)
		}(i, e)
	}
	wg.Wait()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tSTATUS\tLATENCY\tERROR")
	for i, e := range endpoints {
		h := results[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name(), e.Role().String(), h.Status.String(), h.Latency.String(), h.LastError)
	}
	return w.Flush()
}
