package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// ─── ONNX loader ────────────────────────────────────────────────────────────
// ONNX graphs run through the same runner protocol as the other tensor
// formats, with two additions: the graph's named inputs and outputs are
// validated from its sidecar before spawn, and an execution provider chain
// is passed to the runner. CPU is always appended so a graph never fails
// solely because an accelerator is missing.

// GraphTensor describes one named graph input or output.
type GraphTensor struct {
	Name  string `json:"name"`
	DType string `json:"dtype,omitempty"`
	Shape []int  `json:"shape,omitempty"`
}

// GraphIO is the sidecar-declared interface of an ONNX graph.
type GraphIO struct {
	Inputs  []GraphTensor `json:"inputs"`
	Outputs []GraphTensor `json:"outputs"`
}

// ONNXLoader serves onnx descriptors.
type ONNXLoader struct {
	inner     *WorkerLoader
	providers []string
	log       zerolog.Logger
}

// NewONNXLoader builds an ONNX loader on the runner command with the given
// execution provider preference order (e.g. ["cuda", "coreml"]).
func NewONNXLoader(command []string, providers []string, defaults Defaults, forceKill time.Duration, log zerolog.Logger) *ONNXLoader {
	chain := append([]string{}, providers...)
	if !containsFold(chain, "cpu") {
		chain = append(chain, "cpu")
	}
	cmd := command
	if len(cmd) > 0 {
		cmd = append(append([]string{}, command...), "--providers", strings.Join(chain, ","))
	}
	return &ONNXLoader{
		inner:     NewWorkerLoader(cmd, []domain.Format{domain.FormatONNX}, defaults, forceKill, log),
		providers: chain,
		log:       log.With().Str("loader", "onnx").Logger(),
	}
}

// Supports accepts onnx descriptors when a runner is configured.
func (l *ONNXLoader) Supports(d domain.Descriptor) bool {
	return l.inner.Supports(d)
}

// Load validates the graph file and its declared IO, then delegates to the
// runner.
func (l *ONNXLoader) Load(ctx context.Context, d domain.Descriptor) (Handle, error) {
	if err := preflightONNX(d.Source); err != nil {
		return nil, err
	}
	io, err := readGraphIO(d.Source)
	if err != nil {
		return nil, err
	}
	if io != nil {
		l.log.Debug().Str("model", d.ID).
			Int("inputs", len(io.Inputs)).Int("outputs", len(io.Outputs)).
			Strs("providers", l.providers).Msg("graph validated")
	}
	return l.inner.Load(ctx, d)
}

// Unload delegates to the runner loader.
func (l *ONNXLoader) Unload(h Handle) error { return l.inner.Unload(h) }

// preflightONNX checks the file opens and starts like an ONNX protobuf.
func preflightONNX(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.WrapErr(domain.KindNotFound, fmt.Sprintf("graph file %s", path), err)
	}
	defer f.Close()
	head := make([]byte, 1)
	if _, err := f.Read(head); err != nil || head[0] != 0x08 {
		return domain.Ef(domain.KindValidation, "%s is not an ONNX graph", path)
	}
	return nil
}

// readGraphIO loads the optional sidecar (<graph>.io.json) declaring named
// inputs and outputs. A present but malformed sidecar is a hard error; an
// absent one defers IO discovery to the runner.
func readGraphIO(path string) (*GraphIO, error) {
	data, err := os.ReadFile(path + ".io.json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, domain.WrapErr(domain.KindInternal, "read graph sidecar", err)
	}
	var io GraphIO
	if err := json.Unmarshal(data, &io); err != nil {
		return nil, domain.WrapErr(domain.KindValidation, "parse graph sidecar", err)
	}
	if len(io.Inputs) == 0 || len(io.Outputs) == 0 {
		return nil, domain.E(domain.KindValidation, "graph sidecar must declare at least one input and one output")
	}
	for _, t := range append(append([]GraphTensor{}, io.Inputs...), io.Outputs...) {
		if t.Name == "" {
			return nil, domain.E(domain.KindValidation, "graph sidecar tensor missing name")
		}
	}
	return &io, nil
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
