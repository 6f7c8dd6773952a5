// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"

	"github.com/leapcast/leap-server/pkg/config"
	"github.com/leapcast/leap-server/pkg/logger"
)

// LeapServer ties the HTTP surface together: the signaling websocket,
// prometheus metrics, and debug handlers in development mode.
type LeapServer struct {
	config     *config.Config
	rtcService *RTCService
	manager    *RoomManager
	httpServer *http.Server
	promServer *http.Server

	running  atomic.Bool
	doneChan chan struct{}
}

func NewLeapServer(conf *config.Config, rtcService *RTCService, manager *RoomManager) *LeapServer {
	s := &LeapServer{
		config:     conf,
		rtcService: rtcService,
		manager:    manager,
		doneChan:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/rtc", rtcService)
	mux.HandleFunc("/", s.healthCheck)
	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promMux,
		}
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.Development {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool { return true },
		}),
	}

	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(mux)

	addr := fmt.Sprintf(":%d", conf.Port)
	if len(conf.BindAddresses) > 0 {
		addr = fmt.Sprintf("%s:%d", conf.BindAddresses[0], conf.Port)
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: n,
	}
	return s
}

func (s *LeapServer) IsRunning() bool {
	return s.running.Load()
}

func (s *LeapServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("already running")
	}
	defer s.running.Store(false)

	// ensure we could listen before starting the manager
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.manager.Start()
	defer s.manager.Stop()

	errChan := make(chan error, 1)
	if s.promServer != nil {
		promLn, err := net.Listen("tcp", s.promServer.Addr)
		if err != nil {
			return err
		}
		go func() {
			errChan <- s.promServer.Serve(promLn)
		}()
	}
	go func() {
		logger.Infow("Leap server listening", "address", s.httpServer.Addr)
		errChan <- s.httpServer.Serve(ln)
	}()

	select {
	case err = <-errChan:
		return err
	case <-s.doneChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	if s.promServer != nil {
		_ = s.promServer.Shutdown(ctx)
	}

	logger.Infow("Leap server stopped")
	return nil
}

func (s *LeapServer) Stop() {
	select {
	case <-s.doneChan:
	default:
		close(s.doneChan)
	}
}

func (s *LeapServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
