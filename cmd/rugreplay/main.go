// rugreplay feeds a captured frame log through an offline pipeline so a
// session can be rebuilt into the event store without a live connection.
//
// Each input line is either a raw frame or "<RFC3339 timestamp>\t<frame>".
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rugfeed/config"
	"rugfeed/internal/pipeline"
	"rugfeed/logger"
	"rugfeed/models"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	input := flag.String("input", "-", "Frame capture to replay, - for stdin")
	session := flag.String("session", "", "Session id for the replayed envelopes (default: new uuid)")
	flag.Parse()

	log := logger.GetLogger()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(logger.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		MaxAgeDay: cfg.Logging.MaxAge,
		MaxSizeMB: cfg.Logging.MaxSize,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.WithError(err).Error("failed to open capture")
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	count, err := replay(*cfg, *session, r)
	if err != nil {
		log.WithError(err).Error("replay failed")
		os.Exit(3)
	}
	log.WithField("frames", count).Info("replay finished")
}

func replay(cfg config.Config, session string, r io.Reader) (int, error) {
	cfg.Source.URL = ""
	cfg.Components.Enabled = nil
	cfg.Metrics.ListenAddr = ""
	cfg.Store.SessionID = session

	ctx := context.Background()
	p, err := pipeline.New(ctx, cfg, pipeline.NewRegistry())
	if err != nil {
		return 0, err
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Stop()
		return 0, err
	}

	count := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		frame, ok := parseLine(scanner.Text(), cfg.Source.Name)
		if !ok {
			continue
		}
		p.HandleRaw(frame)
		count++
	}
	scanErr := scanner.Err()

	if err := p.Stop(); err != nil {
		return count, err
	}
	if scanErr != nil {
		return count, fmt.Errorf("read capture: %w", scanErr)
	}
	return count, nil
}

func parseLine(line, source string) (models.RawFrame, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return models.RawFrame{}, false
	}
	at := time.Now()
	if ts, text, ok := strings.Cut(line, "\t"); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			at, line = parsed, text
		}
	}
	return models.RawFrame{Source: source, Text: line, ReceivedAt: at}, true
}
