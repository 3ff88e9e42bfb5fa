package util

import (
	"errors"
	"net/http"
	"os"
	"strings"
)

type RpcConfig struct {
	Rpc     string
	Ws      string
	Headers http.Header
}

// RpcConfigFromEnv reads RPC_URL, and optionally WS_URL and RPC_HEADERS
// ("Name: value; Name2: value2").
func RpcConfigFromEnv() (*RpcConfig, error) {
	var present bool
	config := new(RpcConfig)
	config.Rpc, present = os.LookupEnv("RPC_URL")
	if !present || len(config.Rpc) == 0 {
		return nil, errors.New("no rpc url")
	}
	config.Ws = os.Getenv("WS_URL")
	config.Headers = http.Header{}
	for _, pair := range strings.Split(os.Getenv("RPC_HEADERS"), ";") {
		k, v, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		config.Headers.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return config, nil
}
