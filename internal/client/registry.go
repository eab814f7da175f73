package client

import (
	"transferpool/internal/strategy"
	"transferpool/internal/strategy/ftp"
	s3strategy "transferpool/internal/strategy/s3"
	"transferpool/internal/strategy/sftp"
)

// DefaultRegistry returns a registry holding the built-in protocols.
func DefaultRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	mustRegister(r, ftp.ProtocolFTP, ftp.New)
	mustRegister(r, ftp.ProtocolFTPS, ftp.New)
	mustRegister(r, sftp.Protocol, sftp.New)
	mustRegister(r, s3strategy.Protocol, s3strategy.New)
	return r
}

func mustRegister(r *strategy.Registry, protocol string, f strategy.Factory) {
	if err := r.Register(protocol, f); err != nil {
		panic(err)
	}
}
