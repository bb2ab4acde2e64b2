package multibuilder

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for malformed input, before any builder is contacted.
	ErrConfiguration   = errors.New("invalid bundle configuration")
	ErrNoTransactions  = fmt.Errorf("%w: bundle has no transactions", ErrConfiguration)
	ErrEmptyTx         = fmt.Errorf("%w: empty signed transaction", ErrConfiguration)
	ErrNoTargetBlock   = fmt.Errorf("%w: no target block", ErrConfiguration)
	ErrInvalidMaxBlock = fmt.Errorf("%w: max block below target block", ErrConfiguration)
	ErrNilBlock        = fmt.Errorf("%w: negotiated block is nil", ErrConfiguration)

	// ErrTransport covers network, timeout and HTTP status failures at one builder.
	ErrTransport = errors.New("builder transport error")
	// ErrProtocol covers well-formed responses that carry an error or no result.
	ErrProtocol      = errors.New("builder protocol error")
	ErrMissingResult = fmt.Errorf("%w: missing result", ErrProtocol)

	// ErrCapabilityUnsupported is returned when an optional operation is requested from a builder
	// that does not implement it.
	ErrCapabilityUnsupported = errors.New("builder capability not supported")

	ErrUnknownBuilder       = errors.New("unknown builder")
	ErrInvalidBuilderConfig = errors.New("invalid builder definition")
	ErrInvalidConfig        = errors.New("invalid manager config")
	ErrStaleTargetBlock     = errors.New("target block is not in the future")
	ErrNoReplacementUUID    = fmt.Errorf("%w: replacement uuid is empty", ErrConfiguration)
)
