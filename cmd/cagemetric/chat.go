// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/cagemetric/cagemetric/services/relay/protocol"
)

const exchangeTimeout = 5 * time.Minute

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether the relay is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(strings.TrimRight(serverURL, "/") + "/health")
		if err != nil {
			return fmt.Errorf("relay unreachable: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("relay unhealthy: status %d", resp.StatusCode)
		}
		fmt.Println("relay is up")
		return nil
	},
}

// wsEndpoint converts the configured base URL into the websocket form.
func wsEndpoint(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/chat/ws"
	return parsed.String(), nil
}

func runChat() error {
	endpoint, err := wsEndpoint(serverURL)
	if err != nil {
		return err
	}

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer conn.Close()

	var established protocol.Chunk
	if err := conn.ReadJSON(&established); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if established.Type != protocol.ChunkConnectionEstablished {
		return fmt.Errorf("unexpected handshake chunk %q", established.Type)
	}
	fmt.Println(render(styles.Muted, "Connected. Ask about fighters, events, or bout stats. Ctrl+D to quit."))

	// done receives once per exchange, after the terminal chunk.
	done := make(chan struct{}, 1)
	go receiveChunks(conn, done)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print(render(styles.Prompt, "> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		if err := conn.WriteJSON(map[string]string{"type": "message", "content": question}); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		select {
		case <-done:
		case <-time.After(exchangeTimeout):
			return fmt.Errorf("timed out waiting for a response")
		}
	}
}

// receiveChunks renders the outbound stream and signals done after each
// terminal chunk. Exits when the connection drops.
func receiveChunks(conn *websocket.Conn, done chan<- struct{}) {
	for {
		var chunk protocol.Chunk
		if err := conn.ReadJSON(&chunk); err != nil {
			fmt.Println()
			fmt.Println(render(styles.Error, "connection lost"))
			os.Exit(1)
		}

		switch chunk.Type {
		case protocol.ChunkMessageReceived, protocol.ChunkTyping,
			protocol.ChunkResponseStart, protocol.ChunkPong:
			// Silent bookkeeping chunks.
		case protocol.ChunkResponseChunk:
			if chunk.Content != nil {
				fmt.Print(*chunk.Content)
			}
		case protocol.ChunkFinalResult:
			fmt.Println()
			renderFinalResult(chunk)
		case protocol.ChunkResponseEnd:
			done <- struct{}{}
		case protocol.ChunkErrorResponse:
			fmt.Println()
			fmt.Println(render(styles.Error, "Error: "+chunk.Error))
			done <- struct{}{}
		case protocol.ChunkUsageLimitExceeded:
			fmt.Println(render(styles.Warning,
				fmt.Sprintf("Daily limit reached (%d/%d requests). Try again tomorrow.",
					chunk.DailyRequests, chunk.DailyLimit)))
			done <- struct{}{}
		case protocol.ChunkError:
			fmt.Println(render(styles.Error, "Error: "+chunk.Error))
		}
	}
}

func renderFinalResult(chunk protocol.Chunk) {
	if chunk.VisualizationType != "" && chunk.VisualizationType != "text_summary" {
		body := fmt.Sprintf("visualization: %s", chunk.VisualizationType)
		if len(chunk.VisualizationData) > 0 {
			if data, err := json.MarshalIndent(chunk.VisualizationData, "", "  "); err == nil {
				body += "\n" + string(data)
			}
		}
		fmt.Println(render(styles.Viz, body))
	}
	for _, insight := range chunk.Insights {
		fmt.Println(render(styles.Insight, "• "+insight))
	}
	if chunk.FallbackApplied {
		fmt.Println(render(styles.Muted, "(shown as plain text)"))
	}
}
