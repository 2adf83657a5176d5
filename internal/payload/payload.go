package payload

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/phevbox/phevbox/internal/config"
	"github.com/phevbox/phevbox/internal/pve"
)

// Injector delivers the first-boot payload to a stopped instance.
type Injector interface {
	Inject(ctx context.Context, spec *config.InstanceSpec) error
}

// ForChannel returns the injector selected by the host configuration.
func ForChannel(host *config.HostConfig, cp *pve.Client, r pve.Runner, log logrus.FieldLogger) (Injector, error) {
	switch host.PayloadChannel {
	case config.ChannelSnippet:
		return NewSnippetInjector(cp, host, log), nil
	case config.ChannelSeedISO:
		return NewSeedISOInjector(cp, host, log), nil
	case config.ChannelImageMutate:
		return NewImageMutateInjector(cp, r, host, log), nil
	}
	return nil, fmt.Errorf("unknown payload channel %q", host.PayloadChannel)
}
