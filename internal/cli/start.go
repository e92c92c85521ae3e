// Copyright 2024 The GateMQ Authors
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

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/dimiro1/banner"
	"github.com/gatemq/gatemq/internal/broker"
	"github.com/gatemq/gatemq/internal/config"
	"github.com/gatemq/gatemq/internal/logger"
	"github.com/gatemq/gatemq/internal/management"
	"github.com/gatemq/gatemq/internal/memory"
	"github.com/gatemq/gatemq/internal/metrics"
	"github.com/gatemq/gatemq/internal/server"
	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var bannerTemplate = `{{ .Title "GateMQ" "" 0 }}
{{ .AnsiColor.BrightCyan }}  A TLS-Authenticated Broker Admission Layer
{{ .AnsiColor.Default }}
`

func newCommandStart() *cobra.Command {
	var profile bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start broker",
		Long:  "Start the GateMQ broker",
		Run: func(_ *cobra.Command, _ []string) {
			conf, confFileFound, err := loadConfig()
			if err != nil {
				fmt.Println("failed to start broker: " + err.Error())
				os.Exit(1)
			}

			if err = logger.SetSeverityLevel(conf.LogLevel); err != nil {
				fmt.Println("failed to start broker: " + err.Error())
				os.Exit(1)
			}
			log := logger.New(os.Stdout)

			bannerWriter := colorable.NewColorableStdout()
			banner.InitString(bannerWriter, true, true, bannerTemplate)

			if confFileFound {
				log.Info().Msg("Config file loaded with success")
			} else {
				log.Info().Msg("No config file found")
			}

			if err = conf.Validate(); err != nil {
				log.Fatal().Msg("Failed to start broker: " + err.Error())
			}

			rt := newRuntime(conf, log)
			startBroker(rt, log, profile)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			failure := make(chan error, 1)
			go func() { failure <- rt.server.Wait() }()

			select {
			case <-stop:
			case err := <-failure:
				if err != nil {
					log.Fatal().Msg("Failed to start broker: " + err.Error())
				}
			}

			// Generates a new line to split the logs
			fmt.Println("")
			stopBroker(rt, log, profile)
		},
	}

	cmd.Flags().BoolVar(&profile, "profile", false, "Save CPU and heap profiles")
	return cmd
}

// brokerRuntime bundles everything the start command must stop on shutdown.
type brokerRuntime struct {
	server  *server.Server
	manager *broker.Manager
	monitor *memory.Monitor
	sampler *management.Sampler
}

func loadConfig() (c config.Config, found bool, err error) {
	err = config.ReadConfigFile()
	if err == nil {
		found = true
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return c, found, err
	}

	c, err = config.LoadConfig()
	return c, found, err
}

func newRuntime(conf config.Config, log logger.Logger) *brokerRuntime {
	mt := metrics.New(nil)

	monitor := memory.NewMonitor(conf, log, memory.Options{Metrics: mt})

	var policy *broker.TLSPolicy
	if len(conf.SSLListeners) > 0 {
		var err error
		policy, err = broker.NewTLSPolicy(conf)
		if err != nil {
			log.Fatal().Msg("Failed to start broker: " + err.Error())
		}
	}

	manager := broker.NewManager(conf, log, broker.ManagerOptions{
		TLSPolicy: policy,
		Monitor:   monitor,
		Metrics:   mt,
	})

	s := server.New(log)
	for _, port := range conf.TCPListeners {
		s.AddListener(broker.NewListener(port, false, manager, log))
	}
	for _, port := range conf.SSLListeners {
		s.AddListener(broker.NewListener(port, true, manager, log))
	}

	if conf.MetricsEnabled {
		lsn, err := metrics.NewListener(metrics.Configuration{
			Address:   conf.MetricsAddress,
			Path:      conf.MetricsPath,
			Profiling: conf.MetricsProfiling,
		}, log)
		if err != nil {
			log.Fatal().Msg("Failed to start broker: " + err.Error())
		}
		s.AddListener(lsn)
	}

	rt := &brokerRuntime{server: s, manager: manager, monitor: monitor}

	if conf.ManagementEnabled {
		store, err := management.NewRetentionStore(conf.ManagementSampleRetention)
		if err != nil {
			log.Fatal().Msg("Failed to start broker: " + err.Error())
		}

		mgmt, err := management.NewServer(management.Configuration{
			Port:     conf.ManagementPort,
			SSL:      conf.ManagementSSL,
			CertFile: conf.SSLCertFile,
			KeyFile:  conf.SSLKeyFile,
		}, manager, monitor, store, log)
		if err != nil {
			log.Fatal().Msg("Failed to start broker: " + err.Error())
		}
		s.AddListener(mgmt)

		rt.sampler = management.NewSampler(store, map[string]func() float64{
			"connections": func() float64 { return float64(len(manager.Connections())) },
			"memory_used": func() float64 { return float64(monitor.Used()) },
		}, time.Second)
	}

	return rt
}

func startBroker(rt *brokerRuntime, log logger.Logger, profile bool) {
	if profile {
		cpu, err := os.Create("cpu.prof")
		if err != nil {
			log.Fatal().Msg("Failed to create CPU profile file: " + err.Error())
		}

		if err = pprof.StartCPUProfile(cpu); err != nil {
			log.Fatal().Msg("Failed to start CPU profile: " + err.Error())
		}
	}

	rt.monitor.Start()
	if rt.sampler != nil {
		rt.sampler.Start()
	}

	if err := rt.server.Start(); err != nil {
		log.Fatal().Msg("Failed to start broker: " + err.Error())
	}
}

func stopBroker(rt *brokerRuntime, log logger.Logger, profile bool) {
	rt.server.Stop()
	rt.manager.CloseAll()
	if rt.sampler != nil {
		rt.sampler.Stop()
	}
	rt.monitor.Stop()

	if profile {
		heap, err := os.Create("heap.prof")
		if err != nil {
			log.Fatal().Msg("Failed to create heap profile file: " + err.Error())
		}
		defer func() { _ = heap.Close() }()

		runtime.GC()
		if err = pprof.WriteHeapProfile(heap); err != nil {
			log.Fatal().Msg("Failed to save heap profile: " + err.Error())
		}

		pprof.StopCPUProfile()
	}
}
