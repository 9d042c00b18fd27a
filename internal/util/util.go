package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func LoadSeccomp(path string) (*specs.LinuxSeccomp, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(b, &seccomp); err != nil {
		return nil, err
	}
	return &seccomp, nil
}

// SeccompSecurityOpt renders a seccomp profile as a docker security option.
func SeccompSecurityOpt(path string) (string, error) {
	profile, err := LoadSeccomp(path)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return "seccomp=" + string(b), nil
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func GetHistoryKey(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

func GetArtifactKey(codeHash string) string {
	return fmt.Sprintf("artifact:%s", codeHash)
}

func GetArtifactPath(codeHash string) string {
	return fmt.Sprintf("artifacts/%s.html", codeHash)
}
