package main

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
	"github.com/achetronic/wireproxy/framer"
	"github.com/achetronic/wireproxy/internal/democodec"
	"github.com/achetronic/wireproxy/internal/streamcipher"
	"github.com/achetronic/wireproxy/listeners/tcp"
	"github.com/achetronic/wireproxy/modules"
)

const (
	DefaultConfigFile = "sample.yaml"

	LoadConfigErrorMessage     = "failed loading config file %s: %v"
	LoadModulesErrorMessage    = "failed loading modules: %v"
	BuildCatalogueErrorMessage = "failed building catalogue: %v"
	ProxyExitedErrorMessage    = "proxy listener exited: %v"
)

// loadConfig reads and unmarshals the proxy manifest, the way the teacher's
// LoadYAMLConfig does for its single-proxy config file.
func loadConfig(path string) (api.Config, error) {
	var config api.Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, errors.Wrap(err, "parsing config")
	}
	return config, nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	configFile := DefaultConfigFile
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	config, err := loadConfig(configFile)
	if err != nil {
		sugar.Fatalf(LoadConfigErrorMessage, configFile, err)
	}

	// The real message catalogue belongs to whatever game protocol this
	// deployment targets; democodec stands in so the proxy has something
	// concrete to dispatch against out of the box. LOGIN_REQUEST is flagged
	// as the catalogue's login entry so a lazily-seeded tagger (generations
	// >= LazyTaggerThreshold) has something to seed from.
	const loginOpcode = 1
	codec := democodec.New()
	codec.RegisterOpcode("LOGIN_REQUEST", loginOpcode)
	catalogue, err := catalog.New(codec, []catalog.Entry{
		{Name: "LOGIN_REQUEST", Opcode: loginOpcode, IsLogin: true},
	})
	if err != nil {
		sugar.Fatalf(BuildCatalogueErrorMessage, err)
	}

	registry, err := modules.Load(sugar, config.Spec.Modules)
	if err != nil {
		sugar.Fatalf(LoadModulesErrorMessage, err)
	}

	proxy := &tcp.Proxy{
		Config:        config.Spec,
		Catalogue:     catalogue,
		Registry:      registry,
		CipherFactory: func() api.CipherPrimitive { return streamcipher.New() },
		TaggerFactory: streamcipher.NewXXHashIntegrity,
		TaggerSeed:    []byte(config.Metadata.Name),
		LengthField:   framer.DefaultLengthField,
		Logger:        sugar,
	}

	if err := proxy.Launch(); err != nil {
		sugar.Fatalf(ProxyExitedErrorMessage, err)
	}
}
