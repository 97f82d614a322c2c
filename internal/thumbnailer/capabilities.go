package thumbnailer

import (
	"sync"

	"github.com/rescale/thumblink/internal/files"
	"github.com/rescale/thumblink/internal/logging"
)

// capabilities is the process-lifetime snapshot of (scheme, type) pairs the
// service can thumbnail. Schemes and types are paired by index.
type capabilities struct {
	once    sync.Once
	schemes []string
	types   []string
}

// load fetches the snapshot on first use. A failed fetch is not retried.
func (c *capabilities) load(svc Service, logger *logging.Logger) {
	c.once.Do(func() {
		schemes, types, err := svc.GetSupported()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to fetch supported thumbnail types")
			return
		}
		if len(schemes) != len(types) {
			logger.Warn().
				Int("schemes", len(schemes)).
				Int("types", len(types)).
				Msg("Supported schemes and types differ in length, extra entries ignored")
		}
		n := min(len(schemes), len(types))
		c.schemes = schemes[:n:n]
		c.types = types[:n:n]
		logger.Debug().Int("pairs", n).Msg("Fetched supported thumbnail types")
	})
}

// supports reports whether some index i pairs a scheme of f with a super-type of its content type.
func (c *capabilities) supports(f File) bool {
	contentType := f.ContentType()
	if contentType == "" {
		return false
	}
	for i, scheme := range c.schemes {
		if f.HasURIScheme(scheme) && files.ContentTypeIsA(contentType, c.types[i]) {
			return true
		}
	}
	return false
}

// pairs returns a copy of the snapshot.
func (c *capabilities) pairs() (schemes, types []string) {
	return append([]string(nil), c.schemes...), append([]string(nil), c.types...)
}
