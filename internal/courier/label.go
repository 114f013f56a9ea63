package courier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"courierhook/internal/types"
)

// LabelFetcher retrieves printable labels and writes them to disk.
type LabelFetcher struct {
	client *Client
	path   string
	logger *slog.Logger
}

// NewLabelFetcher creates a LabelFetcher that writes to path.
func NewLabelFetcher(client *Client, path string, logger *slog.Logger) *LabelFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LabelFetcher{client: client, path: path, logger: logger}
}

type labelData struct {
	Document string `json:"Pegote"`
}

// Fetch downloads the label for params. A courier rejection, a bad document
// or a filesystem failure all yield OK=false with a nil error; only transport
// failures are returned as errors.
func (f *LabelFetcher) Fetch(ctx context.Context, params types.LabelParams) (types.LabelOutcome, error) {
	logger := types.LoggerFromContext(ctx, f.logger)

	q := url.Values{}
	q.Set("K_Oficina", params.OfficeCode)
	q.Set("K_Guia", params.ShipmentCode)
	q.Set("CodigoPedido", params.OrderCode)
	q.Set("ID_Sesion", params.SessionID)

	env, _, err := f.client.get(ctx, f.client.lookup, endpointLabel, q)
	if err != nil {
		logger.ErrorContext(ctx, "label fetch failed", "error", err)
		return types.LabelOutcome{}, err
	}
	if !env.OK() {
		logger.ErrorContext(ctx, "label fetch rejected", "result", env.Result)
		return types.LabelOutcome{}, nil
	}

	var data labelData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Document == "" {
		logger.ErrorContext(ctx, "label response has no document", "error", err)
		return types.LabelOutcome{}, nil
	}

	doc, err := base64.StdEncoding.DecodeString(data.Document)
	if err != nil {
		logger.ErrorContext(ctx, "label document is not valid base64", "error", err)
		return types.LabelOutcome{}, nil
	}

	if err := writeFileAtomic(f.path, doc); err != nil {
		logger.ErrorContext(ctx, "failed to write label", "path", f.path, "error", err)
		return types.LabelOutcome{}, nil
	}

	logger.InfoContext(ctx, "label saved", "path", f.path, "bytes", len(doc))
	return types.LabelOutcome{OK: true, Path: f.path, Document: doc}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".label-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
