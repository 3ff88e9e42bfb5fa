package main

import (
	"context"
	"errors"
	"os"

	sgo "github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
	"github.com/solpipe/delivery/agent/relay"
	"github.com/solpipe/delivery/config"
	"github.com/solpipe/delivery/errormsg"
	"github.com/solpipe/delivery/logger"
	"github.com/solpipe/delivery/proxy"
	"github.com/solpipe/delivery/proxy/server"
	"github.com/solpipe/delivery/script"
	"github.com/solpipe/delivery/tx/retry"
	"github.com/solpipe/delivery/tx/retry/lite"
	"github.com/solpipe/delivery/web"
	"google.golang.org/grpc"
)

type Run struct {
	Config string `name:"config" short:"c" help:"YAML configuration file; RPC_URL is used when no endpoint is configured" type:"path"`
}

func (r *Run) Run(kongCtx *CLIContext) error {
	ctx, cancel := context.WithCancel(kongCtx.Ctx)
	defer cancel()

	c, err := config.Load(r.Config)
	if err != nil {
		return err
	}
	if err = logger.Setup(bool(cli.Verbose), c.Log.Level, c.Log.Format, os.Stderr); err != nil {
		return err
	}
	if len(c.Signer) == 0 {
		return errors.New("no signer keypair configured")
	}
	signer, err := sgo.PrivateKeyFromSolanaKeygenFile(c.Signer)
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

	var store retry.Store
	if len(c.Retry.StorePath) != 0 {
		store, err = lite.Create(ctx, c.Retry.StorePath)
		if err != nil {
			return err
		}
	}

	agent, err := relay.Create(ctx, relayConfig, endpoints, script.CreateKeyBuilder(signer), store, nil)
	if err != nil {
		return err
	}
	log.Infof("relay started with signer %s and %d endpoints", signer.PublicKey().String(), len(endpoints))

	errorC := make(chan error, 2)
	if len(c.HttpListen) != 0 {
		webC := web.Run(ctx, web.Configuration{ListenUrl: c.HttpListen}, agent.Pool())
		go func() {
			if err := <-webC; err != nil {
				errorC <- err
			}
		}()
	}
	if len(c.Ingress.Listen) != 0 {
		var key *sgo.PrivateKey
		if c.Ingress.Tls {
			key = &signer
		}
		s, err := proxy.CreateServer(key, c.Ingress.Hosts)
		if err != nil {
			<-agent.Close()
			return err
		}
		server.Attach(ctx, []*grpc.Server{s}, agent, errormsg.CreateFromEnv())
		go func() {
			errorC <- proxy.Serve(ctx, s, c.Ingress.Listen)
		}()
	}

	doneC := ctx.Done()
	relayDoneC := agent.CloseSignal()
	select {
	case <-doneC:
	case err = <-relayDoneC:
		log.Infof("relay stopped: %v", err)
		return err
	case err = <-errorC:
	}
	<-agent.Close()
	return err
}
