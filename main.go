// Copyright 2022 The agentbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alwitt/agentbus/cmd"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	apexText "github.com/apex/log/handlers/text"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	LogFile    string
	ConfigFile string `validate:"omitempty,file"`
	EnvFile    string `validate:"omitempty,file"`
	Hostname   string
	// EmitData single envelope for the emit subcommand
	EmitData string `json:"-"`
}

var cmdArgs cliArgs

var logTags log.Fields

// @title agentbus
// @version v0.1.0
// @description Event bus, relay and broadcast hub for agent hook events

// @host localhost:8765
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Event bus, relay and broadcast hub for agent hook events",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "Write logs to this rotating file instead of stderr",
				EnvVars:     []string{"LOG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.LogFile,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "Load AGENTBUS_* config overrides from this dotenv file",
				Aliases:     []string{"e"},
				EnvVars:     []string{"ENV_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.EnvFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "hub",
				Usage:       "Run the event bus, relay and broadcast hub",
				Description: "Serves hook event ingestion, the hub websocket / long-poll transports, and health checks",
				Action:      startHubServer,
			},
			{
				Name:        "relay",
				Usage:       "Run a standalone relay",
				Description: "Forwards events received over NATS to a remote broadcast hub",
				Action:      startRelay,
			},
			{
				Name:        "emit",
				Usage:       "Send hook events to a remote broadcast hub",
				Description: "Reads JSON lines from stdin, or one envelope from --data, and sends them through the connection pool",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "data",
						Usage:       "Single JSON envelope to send",
						Aliases:     []string{"d"},
						Value:       "",
						DefaultText: "",
						Destination: &cmdArgs.EmitData,
						Required:    false,
					},
				},
				Action: startEmit,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	var output io.Writer = os.Stderr
	if cmdArgs.LogFile != "" {
		output = &lumberjack.Logger{
			Filename:   cmdArgs.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(output))
	} else if cmdArgs.LogFile != "" {
		log.SetHandler(apexText.New(output))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Config overrides from a dotenv file
	if len(cmdArgs.EnvFile) > 0 {
		if err := godotenv.Load(cmdArgs.EnvFile); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read env file %s", cmdArgs.EnvFile,
			)
			return nil, err
		}
	}
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client when the bridge is enabled
func prepareNatsClient(config common.NATSConfig) (*core.NatsClient, error) {
	if !config.Enabled {
		return nil, nil
	}
	client, err := core.GetNatsClient(core.GetNATSConnectParams(config, cmdArgs.Hostname))
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Hub subcommand

// startHubServer run the hub server
func startHubServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	natsClient, err := prepareNatsClient(config.NATS)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	if natsClient != nil {
		defer natsClient.Close(context.Background())
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunHubServer(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Relay subcommand

// startRelay run the standalone relay
func startRelay(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if !config.NATS.Enabled {
		return fmt.Errorf("standalone relay can't start without nats.enabled")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	natsClient, err := prepareNatsClient(config.NATS)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer natsClient.Close(context.Background())

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunRelay(runTimeContext, config, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Emit subcommand

// startEmit send events through the connection pool
func startEmit(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	result, err := cmd.RunEmit(runTimeContext, config, cmdArgs.Hostname, cmdArgs.EmitData, os.Stdin)
	if err != nil {
		return err
	}
	if result.Pool.EventsFailed > 0 || result.Pool.EventsDropped > 0 {
		return fmt.Errorf(
			"%d events failed, %d dropped", result.Pool.EventsFailed, result.Pool.EventsDropped,
		)
	}
	return nil
}
