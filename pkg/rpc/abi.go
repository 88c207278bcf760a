package rpc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed contracts/AgentMech.json
var agentMechDescriptor []byte

// descriptorSchema is the shape expected from a build artifact such as AgentMech.json.
const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["abi"],
  "properties": {
    "abi": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string"},
          "name": {"type": "string"},
          "inputs": {"type": "array"}
        }
      }
    }
  }
}`

var compiledDescriptorSchema = jsonschema.MustCompileString("descriptor.schema.json", descriptorSchema)

// LoadContractABI reads and validates a contract descriptor. An empty path
// selects the embedded AgentMech descriptor.
func LoadContractABI(path string) (*abi.ABI, error) {
	if path == "" {
		return ParseContractDescriptor(agentMechDescriptor)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract descriptor: %w", err)
	}
	parsed, err := ParseContractDescriptor(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return parsed, nil
}

// ParseContractDescriptor validates raw against the descriptor schema and parses its ABI.
func ParseContractDescriptor(raw []byte) (*abi.ABI, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed contract descriptor: %w", err)
	}
	if err := compiledDescriptorSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid contract descriptor: %w", err)
	}

	var descriptor struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		return nil, fmt.Errorf("malformed contract descriptor: %w", err)
	}
	parsed, err := abi.JSON(bytes.NewReader(descriptor.ABI))
	if err != nil {
		return nil, fmt.Errorf("invalid contract ABI: %w", err)
	}
	return &parsed, nil
}

// MustDefaultContractABI returns the embedded AgentMech ABI.
func MustDefaultContractABI() *abi.ABI {
	parsed, err := ParseContractDescriptor(agentMechDescriptor)
	if err != nil {
		panic(err)
	}
	return parsed
}
