package tls

import (
	"code.cloudfoundry.org/tlsconfig"
	"google.golang.org/grpc/credentials"
)

type TLS struct {
	CAPath   string `env:"CA_PATH,   report"`
	CertPath string `env:"CERT_PATH, report"`
	KeyPath  string `env:"KEY_PATH,  report"`
}

func (t TLS) HasAnyCredential() bool {
	return t.CAPath != "" || t.CertPath != "" || t.KeyPath != ""
}

// Credentials builds the mutual-TLS server credentials cmd/queryengine's
// gRPC listener uses. The cn argument is not checked: any client
// certificate signed by the CA at CAPath is accepted. It returns an error
// instead of panicking on a bad cert pair.
func (t TLS) Credentials(cn string) (credentials.TransportCredentials, error) {
	cfg, err := tlsconfig.Build(
		tlsconfig.WithInternalServiceDefaults(),
		tlsconfig.WithIdentityFromFile(t.CertPath, t.KeyPath),
	).Server(
		tlsconfig.WithClientAuthenticationFromFile(t.CAPath),
	)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}
