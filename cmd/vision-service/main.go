// vision-service is the face detection sidecar. It hosts a vision engine
// behind NATS request-reply subjects so the main server can offload model
// inference to a separately deployed (and separately provisioned) process.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eduvision/ev-presence/internal/vision"
)

var (
	natsURL    string
	healthAddr string
	modelDir   string
	dimension  int

	// Metrics (atomic counters)
	detectTotal int64
	embedTotal  int64
	errorsTotal int64
)

func main() {
	natsURL = getEnv("NATS_URL", "nats://localhost:4222")
	healthAddr = getEnv("VISION_HEALTH_ADDR", ":8090")
	modelDir = getEnv("VISION_MODEL_DIR", "./models")
	dimension = getEnvInt("EMBEDDING_DIMENSION", 512)

	log.Printf("[Vision] starting - NATS: %s, model dir: %s, dim: %d", natsURL, modelDir, dimension)

	if _, err := os.Stat(modelDir); os.IsNotExist(err) {
		log.Printf("[Vision] model dir %s missing, deterministic fallback active", modelDir)
	}
	engine := vision.NewSyntheticEngine(modelDir, dimension)

	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		log.Fatalf("[Vision] NATS connection failed: %v", err)
	}
	defer nc.Close()
	log.Printf("[Vision] NATS connected")

	subscribe(nc, vision.SubjectDetect, func(ctx context.Context, img []byte, req vision.DetectRequest) ([]byte, error) {
		atomic.AddInt64(&detectTotal, 1)
		faces, err := engine.DetectAndEmbed(ctx, img, vision.DetectOptions{
			MinFaceSize: req.MinFaceSize,
			MaxFaces:    req.MaxFaces,
		})
		if err != nil {
			return json.Marshal(vision.DetectResponse{Error: vision.ErrToCode(err)})
		}
		return json.Marshal(vision.DetectResponse{Faces: faces})
	})

	subscribe(nc, vision.SubjectEmbed, func(ctx context.Context, img []byte, _ vision.DetectRequest) ([]byte, error) {
		atomic.AddInt64(&embedTotal, 1)
		emb, err := engine.EmbedSingle(ctx, img)
		if err != nil {
			return json.Marshal(vision.EmbedResponse{Error: vision.ErrToCode(err)})
		}
		return json.Marshal(vision.EmbedResponse{Embedding: emb})
	})

	subscribe(nc, vision.SubjectValidate, func(ctx context.Context, img []byte, _ vision.DetectRequest) ([]byte, error) {
		if err := engine.ValidateQuality(ctx, img); err != nil {
			return json.Marshal(vision.ValidateResponse{Error: vision.ErrToCode(err)})
		}
		return json.Marshal(vision.ValidateResponse{})
	})

	log.Printf("[Vision] serving %s, %s, %s", vision.SubjectDetect, vision.SubjectEmbed, vision.SubjectValidate)
	startHealthServer()
}

type handlerFunc func(ctx context.Context, img []byte, req vision.DetectRequest) ([]byte, error)

func subscribe(nc *nats.Conn, subject string, fn handlerFunc) {
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var req vision.DetectRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			atomic.AddInt64(&errorsTotal, 1)
			reply(msg, vision.DetectResponse{Error: "bad_request"})
			return
		}
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			atomic.AddInt64(&errorsTotal, 1)
			reply(msg, vision.DetectResponse{Error: vision.ErrToCode(vision.ErrBadImage)})
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := fn(ctx, img, req)
		if err != nil {
			atomic.AddInt64(&errorsTotal, 1)
			log.Printf("[Vision] %s: marshal response: %v", subject, err)
			return
		}
		msg.Respond(resp)
	})
	if err != nil {
		log.Fatalf("[Vision] subscribe %s: %v", subject, err)
	}
}

func reply(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg.Respond(data)
}

func startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"detect_total": atomic.LoadInt64(&detectTotal),
			"embed_total":  atomic.LoadInt64(&embedTotal),
			"errors_total": atomic.LoadInt64(&errorsTotal),
		})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "vision_detect_total %d\n", atomic.LoadInt64(&detectTotal))
		fmt.Fprintf(w, "vision_embed_total %d\n", atomic.LoadInt64(&embedTotal))
		fmt.Fprintf(w, "vision_errors_total %d\n", atomic.LoadInt64(&errorsTotal))
	})

	log.Printf("[Vision] health endpoint on %s", healthAddr)
	if err := http.ListenAndServe(healthAddr, mux); err != nil {
		log.Fatalf("[Vision] health server: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
