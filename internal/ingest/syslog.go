package ingest

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"banguard/internal/config"
	"banguard/internal/model"
)

// StartSyslog listens for raw log lines on UDP. Like kafka lines, syslog
// lines are matched against every enabled jail.
func StartSyslog(ctx context.Context, cfg config.SyslogConfig, out chan<- model.Line, logger *slog.Logger, wg *sync.WaitGroup) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", cfg.UDPAddr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPAddr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("syslog udp listen error", "err", err)
		}
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		buf := make([]byte, 8192)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if logger != nil {
					logger.Warn("syslog udp read error", "err", err)
				}
				continue
			}
			arrived := time.Now().UTC()
			for _, text := range strings.Split(string(buf[:n]), "\n") {
				text = strings.TrimRight(text, "\r")
				if text == "" {
					continue
				}
				SendNonBlocking(ctx, out, model.Line{
					Source:  "syslog",
					Text:    text,
					Arrived: arrived,
				}, logger)
			}
		}
	}()
}
