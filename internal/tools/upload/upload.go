// Package upload implements the "upload" SimpleTool: it accepts base64-
// encoded file bytes, deduplicates by sha256 against the FileRef table so
// duplicates reuse the existing row, persists new bytes to
// a content-addressed path on local storage, and optionally pushes the
// bytes straight to a provider that implements llm.FileUploader so later
// chat/workflow calls can reference the resulting external file id.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/rpcerror"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

// Deps are the daemon-wide singletons the upload tool needs.
type Deps struct {
	Conversations llm.ConversationStorer
	Providers     *providerregistry.Registry
	StorageDir    string
}

// Factory returns a toolregistry.Factory bound to deps.
func Factory(deps Deps) toolregistry.Factory {
	return func() toolregistry.Tool {
		return &Tool{deps: deps}
	}
}

// Tool is the per-call upload tool instance.
type Tool struct {
	deps Deps
}

func (t *Tool) Describe() toolregistry.Descriptor {
	return toolregistry.Descriptor{
		Name:        "upload",
		Description: "Upload a file (base64-encoded content), deduplicated by sha256. Returns the FileRef, creating or reusing a provider-side copy.",
		Visibility:  toolregistry.VisibilityPublic,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":      map[string]any{"type": "string"},
				"mime_type": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string", "description": "base64-encoded file bytes"},
				"provider":  map[string]any{"type": "string", "description": "optional provider key to eagerly upload to"},
				"continuation_id": map[string]any{"type": "string"},
			},
			"required": []string{"name", "content"},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any, conv toolregistry.ConversationHandle, progress toolregistry.ProgressSink) (*toolregistry.Result, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "upload: 'name' is required")
	}
	contentB64, _ := args["content"].(string)
	if contentB64 == "" {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "upload: 'content' is required")
	}
	mimeType, _ := args["mime_type"].(string)

	data, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return nil, rpcerror.New(rpcerror.InvalidRequest, "upload: invalid base64 content: %v", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	existing, err := t.deps.Conversations.GetFileBySHA256(ctx, digest)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	var rec *llm.FileRecord
	if existing != nil {
		rec = existing
		progress.Emit("info", "deduplicated against existing file", map[string]any{"sha256": digest})
	} else {
		storagePath, err := t.store(digest, data)
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.Internal, fmt.Errorf("upload: store file: %w", err))
		}

		rec, err = t.deps.Conversations.CreateFile(ctx, llm.FileRecord{
			ConversationID: conv.ContinuationID(),
			Name:           name,
			MimeType:       mimeType,
			Size:           int64(len(data)),
			SHA256:         digest,
			StoragePath:    storagePath,
		})
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
		}
	}

	if providerKey, _ := args["provider"].(string); providerKey != "" {
		if _, ok := rec.ProviderRefs[providerKey]; !ok {
			if err := t.uploadToProvider(ctx, providerKey, rec, data, mimeType); err != nil {
				progress.Emit("warn", fmt.Sprintf("provider upload to %s failed: %v", providerKey, err), nil)
			}
		}
	}

	observability.RecordToolCall(observability.ToolCallMetric{
		Tool:     "upload",
		Provider: providerKeyOf(args),
		Outcome:  "success",
	})

	if err := conv.AppendTurn(ctx, "user", fmt.Sprintf("uploaded file %q (%d bytes)", name, len(data))); err != nil {
		return nil, rpcerror.Wrap(rpcerror.RepositoryUnavailable, err)
	}

	return &toolregistry.Result{
		Value:          rec,
		ContinuationID: conv.ContinuationID(),
	}, nil
}

// store writes data under StorageDir/<first-two-hex-chars>/<digest>, a
// content-addressed layout that keeps any single directory from
// accumulating too many entries.
func (t *Tool) store(digest string, data []byte) (string, error) {
	dir := t.deps.StorageDir
	if dir == "" {
		dir = "data/files"
	}
	subDir := filepath.Join(dir, digest[:2])
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(subDir, digest)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (t *Tool) uploadToProvider(ctx context.Context, providerKey string, rec *llm.FileRecord, data []byte, mimeType string) error {
	if t.deps.Providers == nil {
		return fmt.Errorf("no provider registry configured")
	}
	info, ok := t.deps.Providers.Get(providerKey)
	if !ok {
		return fmt.Errorf("unknown provider %q", providerKey)
	}
	uploader, ok := info.Provider.(llm.FileUploader)
	if !ok {
		return fmt.Errorf("provider %q does not support file uploads", providerKey)
	}
	externalID, err := uploader.UploadFile(ctx, data, rec.Name, mimeType)
	if err != nil {
		return err
	}
	if err := t.deps.Conversations.SetFileProviderRef(ctx, rec.ID, providerKey, externalID); err != nil {
		return err
	}
	if rec.ProviderRefs == nil {
		rec.ProviderRefs = make(map[string]string)
	}
	rec.ProviderRefs[providerKey] = externalID
	return nil
}

func providerKeyOf(args map[string]any) string {
	key, _ := args["provider"].(string)
	return key
}
