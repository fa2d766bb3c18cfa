// The echo agent is a minimal delivery target for local testing: it
// accepts envelopes on its delivery endpoint and replies with the same
// parts prefixed by "Echo: ".
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentplanet/acn/internal/task"
	"github.com/agentplanet/acn/internal/transport"
)

const echoAgentID = "agent_echo"

type echoReply struct {
	Agent string      `json:"agent"`
	Parts []task.Part `json:"parts"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		slog.String("agent_id", echoAgentID),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("Shutting down echo agent...")
		cancel()
	}()

	port := os.Getenv("ECHO_AGENT_PORT")
	if port == "" {
		port = "8085"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/deliver", func(w http.ResponseWriter, r *http.Request) {
		var env transport.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		logger.InfoContext(r.Context(), "received envelope",
			slog.String("sender", env.Sender),
			slog.String("context_id", env.ContextID),
			slog.Int("parts", len(env.Parts)),
		)

		reply := echoReply{Agent: echoAgentID}
		for _, p := range env.Parts {
			if p.Kind == "text" {
				reply.Parts = append(reply.Parts, task.TextPart("Echo: "+p.Text))
			} else {
				reply.Parts = append(reply.Parts, p)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.InfoContext(ctx, "echo agent listening", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "listener failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "shutdown failed", slog.Any("error", err))
	}
}
