package efv

import "errors"

// VaultContext bundles everything a VaultService needs. Build one at
// startup and pass it in; nothing in this package reads global state.
type VaultContext struct {
	Engine   CryptoEngine
	Pipeline RotationPipeline
	Keys     KeyStore
	Index    MetadataIndex
	FS       FilesystemManager
	Logger   Logger
	Clock    Clock
}

func (c *VaultContext) validate() error {
	var errs []error
	if c.Engine == nil {
		errs = append(errs, errors.New("crypto engine is required"))
	}
	if c.Pipeline == nil {
		errs = append(errs, errors.New("rotation pipeline is required"))
	}
	if c.Keys == nil {
		errs = append(errs, errors.New("key store is required"))
	}
	if c.Index == nil {
		errs = append(errs, errors.New("metadata index is required"))
	}
	if c.FS == nil {
		errs = append(errs, errors.New("filesystem manager is required"))
	}
	if c.Logger == nil {
		c.Logger = NewNopLogger()
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	return errors.Join(errs...)
}
