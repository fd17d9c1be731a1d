package main

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

type WebServer struct {
	http.Server
}

func NewServer(cfg *Config, handler http.Handler) *WebServer {
	port := cfg.Server.Port

	bindAddress := cfg.Server.BindAddress
	if bindAddress == "*" {
		bindAddress = ""
	}

	srv := WebServer{}

	srv.Addr = fmt.Sprintf("%s:%d", bindAddress, port)
	srv.Handler = handler

	log.Debugf("using address: %s", srv.Addr)

	return &srv
}
