package loader

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// DetectFormat infers a model's format from its source when registration
// omits the tag. Resolution order: URL scheme, file extension, signature
// bytes, companion config. Returns an empty format when nothing matches.
func DetectFormat(source string) domain.Format {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return domain.FormatAPI
	}
	if strings.HasPrefix(source, "hf:") || strings.HasPrefix(source, "huggingface:") {
		return domain.FormatHF
	}

	if f := formatByExtension(source); f != "" {
		return f
	}
	if f := formatBySignature(source); f != "" {
		return f
	}
	return formatByCompanion(source)
}

func formatByExtension(path string) domain.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf", ".ggml":
		return domain.FormatGGUF
	case ".onnx", ".ort":
		return domain.FormatONNX
	case ".safetensors":
		return domain.FormatSafetensors
	case ".pt", ".pth":
		return domain.FormatPyTorch
	case ".bin":
		return domain.FormatBinary
	case ".json":
		// tfjs ships model.json next to weight shards
		if strings.HasSuffix(strings.ToLower(filepath.Base(path)), "model.json") {
			return domain.FormatTFJS
		}
	}
	return ""
}

// formatBySignature sniffs the first bytes of the file. Only formats with an
// unambiguous magic are recognized this way.
func formatBySignature(path string) domain.Format {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := f.Read(head)
	if err != nil || n < 4 {
		return ""
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("GGUF")):
		return domain.FormatGGUF
	case bytes.HasPrefix(head, []byte("ggjt")), bytes.HasPrefix(head, []byte("ggml")):
		return domain.FormatGGUF
	case head[0] == 0x08: // ONNX protobuf: field 1 (ir_version) varint
		return domain.FormatONNX
	case head[0] == 0x50 && head[1] == 0x4b: // PK zip — torch.save archive
		return domain.FormatPyTorch
	}

	// safetensors: little-endian u64 header length followed by a JSON object
	if n == 8 {
		rest := make([]byte, 1)
		if _, err := f.ReadAt(rest, 8); err == nil && rest[0] == '{' {
			return domain.FormatSafetensors
		}
	}
	return ""
}

// formatByCompanion reads a sidecar config.json declaring the format, the
// convention used by converted model directories.
func formatByCompanion(path string) domain.Format {
	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return ""
	}
	var cfg struct {
		Format      string `json:"format"`
		ModelFormat string `json:"model_format"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	tag := cfg.Format
	if tag == "" {
		tag = cfg.ModelFormat
	}
	if f := domain.Format(tag); f.Valid() {
		return f
	}
	return ""
}
