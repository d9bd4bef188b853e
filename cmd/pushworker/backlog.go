package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
)

const backlogInterval = 15 * time.Second

// nsqStats is the subset of the nsqd /stats response we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName string `json:"channel_name"`
			Depth       int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

type backlogMonitor struct {
	statsURL string
	topic    string
	channel  string
	client   *http.Client
	logger   *logging.Logger
}

// nsqdStatsURL derives the nsqd HTTP stats endpoint from its TCP address
func nsqdStatsURL(tcpAddr string) string {
	return fmt.Sprintf("http://%s/stats?format=json", strings.Replace(tcpAddr, ":4150", ":4151", 1))
}

func (b *backlogMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.update(ctx); err != nil {
				b.logger.Plain().WithError(err).Warn("backlog update failed")
			}
		}
	}
}

// update sets the backlog gauge for the worker channel
func (b *backlogMonitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != b.topic {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == b.channel {
				metrics.UpdateWorkerBacklog(b.topic, b.channel, channel.Depth)
			}
		}
	}
	return nil
}
