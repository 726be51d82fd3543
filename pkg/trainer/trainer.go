// Package trainer provides the public API for embedding the training
// service. This is the stable API for external consumers.
package trainer

import (
	"github.com/tjfontaine/npc-trainer/internal/runtime"
)

// Trainer is the assembled service.
// See internal/runtime.Trainer for full documentation.
type Trainer = runtime.Trainer

// Option is a functional option for configuring a Trainer.
type Option = runtime.Option

// New creates a new Trainer with the given options.
// Example:
//
//	t, err := trainer.New(
//	    trainer.WithFileConfig("config.yaml"),
//	    trainer.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithStorageProvider = runtime.WithStorageProvider
	WithSnapshotBackend = runtime.WithSnapshotBackend

	// Events
	WithEventPublisher = runtime.WithEventPublisher
	WithLogOnlyEvents  = runtime.WithLogOnlyEvents

	// Prompting
	WithPromptBuilder = runtime.WithPromptBuilder
	WithRetriever     = runtime.WithRetriever

	// Advanced options
	WithLogger   = runtime.WithLogger
	WithRegistry = runtime.WithRegistry
)
