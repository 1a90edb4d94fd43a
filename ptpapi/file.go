package ptpapi

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"

	"ptp-udp/linkapi"
)

// SendFile binds local and transfers fileName to the receiver at remote.
func SendFile(ctx context.Context, cfg SenderConfig, local, remote *net.UDPAddr, fileName string) (SenderStats, error) {
	if err := cfg.Validate(); err != nil {
		return SenderStats{}, err
	}
	f, err := os.Open(fileName)
	if err != nil {
		return SenderStats{}, errors.Wrap(err, "open input")
	}
	defer f.Close()

	iface, err := linkapi.Listen("sender", local)
	if err != nil {
		return SenderStats{}, err
	}
	return NewSender(cfg, iface, remote).Run(ctx, f)
}

// RecvFile binds local and writes the first connection's data to fileName,
// truncating it first. On abort the file keeps what was delivered.
func RecvFile(ctx context.Context, cfg ReceiverConfig, local *net.UDPAddr, fileName string) (ReceiverStats, error) {
	if err := cfg.Validate(); err != nil {
		return ReceiverStats{}, err
	}
	f, err := os.Create(fileName)
	if err != nil {
		return ReceiverStats{}, errors.Wrap(err, "create output")
	}
	defer f.Close()

	iface, err := linkapi.Listen("receiver", local)
	if err != nil {
		return ReceiverStats{}, err
	}
	stats, err := NewReceiver(cfg, iface).Run(ctx, f)
	if serr := f.Sync(); serr != nil && err == nil {
		err = errors.Wrap(serr, "sync output")
	}
	return stats, err
}
