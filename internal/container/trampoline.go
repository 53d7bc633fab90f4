package container

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TrampolineArg is the argv[1] that makes the binary act as the jail
	// trampoline instead of its normal entry point.
	TrampolineArg = "__sandbox_jail_exec"
	// PayloadEnv carries the encoded trampolinePayload.
	PayloadEnv = "SANDBOX_JAIL_PAYLOAD"
)

type trampolinePayload struct {
	Command    []string `json:"command"`
	WorkDir    string   `json:"work_dir"`
	ReadPaths  []string `json:"read_paths,omitempty"`
	WritePaths []string `json:"write_paths,omitempty"`
	Networking bool     `json:"networking"`
}

func encodePayload(p trampolinePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode jail payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePayload(encoded string) (trampolinePayload, error) {
	var p trampolinePayload
	if encoded == "" {
		return p, errors.New("missing " + PayloadEnv)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(p.Command) == 0 {
		return p, errors.New("jail payload has empty command")
	}
	return p, nil
}
