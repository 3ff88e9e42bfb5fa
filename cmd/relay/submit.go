package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	sgo "github.com/gagliardetto/solana-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/solpipe/delivery/proxy"
	"github.com/solpipe/delivery/proxy/client"
	"github.com/solpipe/delivery/script"
	"github.com/solpipe/delivery/tx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type IngressFlags struct {
	Address string `name:"address" short:"a" help:"Relay ingress address" default:"127.0.0.1:7070"`
	// base58 identity of the relay; pins its tls certificate
	RelayKey string `name:"relay-key" help:"Relay public key; enables tls pinned to that key"`
}

func (f IngressFlags) dial() (*grpc.ClientConn, error) {
	var opt grpc.DialOption
	if len(f.RelayKey) == 0 {
		opt = grpc.WithTransportCredentials(insecure.NewCredentials())
	} else {
		pub, err := sgo.PublicKeyFromBase58(f.RelayKey)
		if err != nil {
			return nil, err
		}
		opt = grpc.WithTransportCredentials(proxy.ClientCredentials(pub))
	}
	return grpc.NewClient(f.Address, opt)
}

type Submit struct {
	IngressFlags `embed:""`
	File         string `arg:"" name:"file" help:"JSON encoded message; - reads stdin"`
}

func (r *Submit) Run(kongCtx *CLIContext) error {
	var data []byte
	var err error
	if r.File == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(r.File)
	}
	if err != nil {
		return err
	}
	var msg tx.Message
	if err = json.Unmarshal(data, &msg); err != nil {
		return err
	}
	conn, err := r.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	reply, err := client.Create(conn).Submit(kongCtx.Ctx, msg)
	if err != nil {
		return err
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type Watch struct {
	IngressFlags `embed:""`
}

func (r *Watch) Run(kongCtx *CLIContext) error {
	conn, err := r.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	stream, err := client.Create(conn).Resolutions(kongCtx.Ctx)
	if err != nil {
		return err
	}
	for {
		reply, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(kongCtx.Ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		out, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
}

type Transfer struct {
	IngressFlags `embed:""`
	From         string `name:"from" required:"" help:"Funding account; the relay must hold its key"`
	To           string `arg:"" name:"to" help:"Recipient account"`
	Lamports     uint64 `arg:"" name:"lamports" help:"Amount to move"`
	Job          string `name:"job" help:"Job id; a fresh one is generated when empty"`
}

func (r *Transfer) Run(kongCtx *CLIContext) error {
	from, err := sgo.PublicKeyFromBase58(r.From)
	if err != nil {
		return err
	}
	to, err := sgo.PublicKeyFromBase58(r.To)
	if err != nil {
		return err
	}
	job := sgo.NewWallet().PublicKey()
	if len(r.Job) != 0 {
		if job, err = sgo.PublicKeyFromBase58(r.Job); err != nil {
			return err
		}
	}
	msg, err := script.TransferMessage(job, from, to, r.Lamports)
	if err != nil {
		return err
	}
	conn, err := r.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	reply, err := client.Create(conn).Submit(kongCtx.Ctx, msg)
	if err != nil {
		return err
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
