package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ptp-udp/config"
	"ptp-udp/ptpapi"
	"ptp-udp/ptplog"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"Usage: %s [flags] sender_port receiver_port FileToSend.txt max_win rto\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (console, json)")
	logFile := flag.String("log-file", "", "append logs to this file instead of stderr")
	tracePath := flag.String("trace", "Sender_log.txt", "segment trace and statistics file")
	flag.Usage = usage
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if err := config.ApplyToFlags(flag.CommandLine, cfg); err != nil {
			log.Fatalf("apply config: %v", err)
		}
	}

	logger, err := ptplog.Setup(*logLevel, *logFormat, *logFile)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	args := flag.Args()
	if len(args) != 5 {
		flag.Usage()
		os.Exit(2)
	}
	senderPort, err := strconv.Atoi(args[0])
	if err != nil {
		logger.Fatal("invalid sender_port", zap.String("value", args[0]))
	}
	receiverPort, err := strconv.Atoi(args[1])
	if err != nil {
		logger.Fatal("invalid receiver_port", zap.String("value", args[1]))
	}
	fileName := args[2]
	maxWin, err := strconv.Atoi(args[3])
	if err != nil {
		logger.Fatal("invalid max_win", zap.String("value", args[3]))
	}
	rtoMs, err := strconv.Atoi(args[4])
	if err != nil {
		logger.Fatal("invalid rto", zap.String("value", args[4]))
	}

	trace, err := os.Create(*tracePath)
	if err != nil {
		logger.Fatal("create trace file", zap.Error(err))
	}
	defer trace.Close()
	tw := ptplog.NewTraceWriter(trace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := ptpapi.SenderConfig{
		RTO:    time.Duration(rtoMs) * time.Millisecond,
		MaxWin: maxWin,
		Logger: logger,
		Events: tw,
	}
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: senderPort}
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: receiverPort}

	logger.Info("sending file",
		zap.String("file", fileName),
		zap.Stringer("local", local),
		zap.Stringer("remote", remote),
		zap.Duration("rto", cfg.RTO),
		zap.Int("max_win", maxWin))

	stats, err := ptpapi.SendFile(ctx, cfg, local, remote, fileName)
	if werr := tw.Err(); werr != nil {
		logger.Warn("trace incomplete", zap.Error(werr))
	}
	if serr := ptplog.WriteSenderSummary(trace, stats); serr != nil {
		logger.Warn("writing statistics", zap.Error(serr))
	}
	if err != nil {
		logger.Error("transfer failed", zap.Error(err))
		trace.Close()
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("transfer complete", zap.Uint64("bytes", stats.DataBytes))
}
