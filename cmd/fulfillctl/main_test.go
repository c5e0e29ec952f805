package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/filestore"
	"github.com/iliamunaev/media-order-fulfillment/internal/store/storetest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCommandsRegistered(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "reconcile", "order", "config"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Fatalf("expected command %q, got %v (err %v)", name, c, err)
		}
	}
	if c, _, err := root.Find([]string{"order", "get"}); err != nil || c.Name() != "get" {
		t.Fatalf("expected order get, got %v (err %v)", c, err)
	}
}

func TestConfigMasksSecrets(t *testing.T) {
	path := writeConfig(t, "generation:\n  key: fal-secret\npayment:\n  webhook_secret: whsec\n")

	out, err := execute(t, "--config", path, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if strings.Contains(out, "fal-secret") || strings.Contains(out, "whsec") {
		t.Fatalf("expected secrets masked, got:\n%s", out)
	}
	if !strings.Contains(out, "key: '***'") && !strings.Contains(out, `key: "***"`) {
		t.Fatalf("expected masked key, got:\n%s", out)
	}
}

func TestOrderGet(t *testing.T) {
	dir := t.TempDir()
	st, err := filestore.New(dir, nil)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	o := storetest.NewOrder("o-42", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), 2)
	if err := st.Save(context.Background(), o); err != nil {
		t.Fatalf("save: %v", err)
	}
	path := writeConfig(t, "store:\n  driver: file\n  dir: "+dir+"\n")

	out, err := execute(t, "--config", path, "order", "get", "o-42")
	if err != nil {
		t.Fatalf("order get: %v", err)
	}
	var got struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.OrderID != "o-42" {
		t.Fatalf("expected o-42, got %q", got.OrderID)
	}

	_, err = execute(t, "--config", path, "order", "get", "missing")
	if !errors.Is(err, apperr.ErrOrderNotFound) {
		t.Fatalf("expected %v, got %v", apperr.ErrOrderNotFound, err)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "store:\n  dir: "+t.TempDir()+"\n")

	_, err := execute(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
