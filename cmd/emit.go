package cmd

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/alwitt/agentbus/apis"
	"github.com/alwitt/agentbus/common"
	"github.com/alwitt/agentbus/pool"
	"github.com/alwitt/agentbus/topics"
	"github.com/apex/log"
)

// EmitResult outcome of one emit run
type EmitResult struct {
	// Skipped is the number of input lines which were not JSON objects
	Skipped int
	// Pool are the connection pool counters at close
	Pool pool.Stats
}

// RunEmit send hook envelopes to a remote hub through the connection pool. With data set, that
// one envelope is sent; otherwise input is read as JSON lines until EOF or cancellation.
func RunEmit(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	data string,
	input io.Reader,
) (EmitResult, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "emit",
		"instance":  instance,
	}
	result := EmitResult{}

	dialer, err := defineHubDialer(
		instance,
		config.Pool.HubHost,
		config.Pool.HubPort,
		config.Pool.Transports,
		config.Pool.HandshakeTimeout,
		time.Millisecond*time.Duration(config.Pool.WriteTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define hub dialer")
		return result, err
	}
	connPool, err := pool.GetConnectionPool(runTimeContext, instance, config.Pool, dialer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection pool")
		return result, err
	}

	emit := func(raw []byte) error {
		event, err := apis.ParseHookEnvelope(raw, config.Ingest)
		if err != nil {
			result.Skipped++
			log.WithError(err).WithFields(logTags).Error("Skipping input")
			return nil
		}
		route := topics.MapTopic(event.Topic)
		return connPool.Emit(route.Namespace, route.EventName, event.Payload)
	}

	var runErr error
	if data != "" {
		runErr = emit([]byte(data))
	} else {
		scanner := bufio.NewScanner(input)
		scanner.Buffer(make([]byte, 0, 64*1024), int(config.Hub.MaxFrameSize))
		for runTimeContext.Err() == nil && scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if runErr = emit(line); runErr != nil {
				break
			}
		}
		if runErr == nil {
			runErr = scanner.Err()
		}
	}
	if runErr != nil {
		log.WithError(runErr).WithFields(logTags).Error("Emit stopped")
	}

	if err := connPool.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Connection pool close failed")
		if runErr == nil {
			runErr = err
		}
	}
	result.Pool = connPool.GetStats()
	log.WithFields(logTags).WithFields(log.Fields{
		"sent":    result.Pool.EventsSent,
		"failed":  result.Pool.EventsFailed,
		"dropped": result.Pool.EventsDropped,
		"skipped": result.Skipped,
	}).Info("Emit complete")
	return result, runErr
}
