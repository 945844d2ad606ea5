package configuration

import (
	"context"

	"github.com/form3tech-oss/pact-mock/internal/app/pactmock"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	AdminPort    int    `env:"ADMIN_PORT,default=8080"`  // Port the admin API listens on
	PactDir      string `env:"PACT_DIR,default=./pacts"` // Directory pact files are written to
	Consumer     string `env:"CONSUMER"`                 // Overrides the consumer name of written pact files
	Provider     string `env:"PROVIDER"`                 // Overrides the provider name of written pact files
	LogLevel     string `env:"LOG_LEVEL,default=info"`   // logrus level
	MockProvider pactmock.Config
}

func NewFromEnv() (Config, error) {
	ctx := context.Background()

	var config Config
	err := envconfig.Process(ctx, &config)
	if err != nil {
		return config, errors.Wrap(err, "process env config")
	}
	return config, nil
}
