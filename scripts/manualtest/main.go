package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/jaywantadh/chunkdock/config"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/storage"
	"github.com/jaywantadh/chunkdock/internal/transfer"
	"github.com/jaywantadh/chunkdock/internal/upload"
	"github.com/jaywantadh/chunkdock/pkg/logging"
	"golang.org/x/crypto/blake2b"
)

func blake2bFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Round trip against an in-process receiver: push a file in small chunks,
// push it again to see every chunk skipped, and compare checksums.
func main() {
	inputPath := filepath.Join("samples", "sample.bin")
	if len(os.Args) > 1 {
		inputPath = os.Args[1]
	}
	if _, err := os.Stat(inputPath); err != nil {
		fmt.Printf("⚠️ %s not found, generating 3MB of random data\n", inputPath)
		_ = os.MkdirAll(filepath.Dir(inputPath), 0755)
		data := make([]byte, 3<<20)
		rand.Read(data)
		if err := os.WriteFile(inputPath, data, 0644); err != nil {
			fmt.Printf("❌ Failed writing sample: %v\n", err)
			return
		}
	}

	cfg, err := config.LoadConfig("./config")
	if err != nil {
		fmt.Printf("❌ Config load failed: %v\n", err)
		return
	}
	logging.InitLogger(cfg.Debug)

	origHash, err := blake2bFile(inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", inputPath)
	fmt.Printf("🔑 Original BLAKE2b: %s\n", origHash)

	_ = os.RemoveAll("uploads_manual")
	store, err := storage.NewLocalStorage("uploads_manual")
	if err != nil {
		fmt.Printf("❌ Storage init failed: %v\n", err)
		return
	}
	ms, err := metadata.OpenMetadataStore(filepath.Join("uploads_manual", ".meta"))
	if err != nil {
		fmt.Printf("❌ Metadata store init failed: %v\n", err)
		return
	}
	defer ms.Close()

	svc := upload.NewService(store, ms, upload.Options{CompressChunks: cfg.CompressChunks}, logging.Log)
	srv := httptest.NewServer(transfer.NewServer(svc, logging.Log, 0).Handler())
	defer srv.Close()

	client := transfer.NewClient(srv.URL, transfer.ClientOptions{Logger: logging.Log})
	for round := 1; round <= 2; round++ {
		result, err := client.Push(context.Background(), inputPath, transfer.PushOptions{ChunkSize: 256 << 10, Simultaneous: 4})
		if err != nil {
			fmt.Printf("❌ Push %d failed: %v\n", round, err)
			return
		}
		fmt.Printf("🧩 Push %d: %d chunks sent, %d skipped\n", round, result.Progress.ChunksSent, result.Progress.ChunksSkipped)
	}

	outPath := store.ArtifactPath(filepath.Base(inputPath))
	reHash, err := blake2bFile(outPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing artifact: %v\n", err)
		return
	}
	fmt.Printf("📦 Artifact: %s\n", outPath)
	fmt.Printf("🔑 Artifact BLAKE2b: %s\n", reHash)

	if reHash == origHash {
		fmt.Println("✅ SUCCESS: Artifact matches original")
	} else {
		fmt.Println("❌ MISMATCH: Artifact differs from original")
	}
}
