package server

import "github.com/looplj/cacheproxy/internal/conf"

// Config and CORS are aliases onto the conf package's server section so the
// gin wiring in this package doesn't need its own copy of the same tags.
type Config = conf.ServerConfig

type CORS = conf.CORSConfig
