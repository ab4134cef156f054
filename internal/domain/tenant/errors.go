package tenant

import (
	"errors"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/gatewayerr"
)

// Configuration error kinds. Match them with errors.Is.
var (
	ErrMissingHeader              = errors.New("missing header")
	ErrInvalidHeader              = errors.New("invalid header")
	ErrUnsupportedAuthCombination = errors.New("unsupported auth combination")
	ErrIncompleteCredentials      = errors.New("incomplete credentials")
)

// ConfigError reports why headers could not be turned into a Config.
type ConfigError struct {
	Kind   error
	Header string
	Msg    string
}

func (e *ConfigError) Error() string { return e.Msg }

// Is lets errors.Is match on the kind sentinel.
func (e *ConfigError) Is(target error) bool { return target == e.Kind }

// GatewayCategory implements gatewayerr.Coder.
func (e *ConfigError) GatewayCategory() gatewayerr.Category {
	return gatewayerr.CategoryConfiguration
}

// GatewayCode implements gatewayerr.Coder.
func (e *ConfigError) GatewayCode() string {
	switch e.Kind {
	case ErrMissingHeader:
		return gatewayerr.CodeMissingHeader
	case ErrUnsupportedAuthCombination:
		return gatewayerr.CodeUnsupportedAuthCombination
	case ErrIncompleteCredentials:
		return gatewayerr.CodeIncompleteCredentials
	default:
		return gatewayerr.CodeInvalidHeader
	}
}

func missing(header string) *ConfigError {
	return &ConfigError{Kind: ErrMissingHeader, Header: header, Msg: "missing required header " + header}
}

func invalid(header, msg string) *ConfigError {
	return &ConfigError{Kind: ErrInvalidHeader, Header: header, Msg: msg}
}

func incomplete(header, msg string) *ConfigError {
	return &ConfigError{Kind: ErrIncompleteCredentials, Header: header, Msg: msg}
}

var _ gatewayerr.Coder = (*ConfigError)(nil)
