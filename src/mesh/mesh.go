// Package mesh assembles a ledgermesh node from configuration: identity
// key, blob store, transport, discovery, node, and HTTP service.
package mesh

import (
	"fmt"
	"os"

	"github.com/ledgermesh/ledgermesh/src/blobs"
	"github.com/ledgermesh/ledgermesh/src/config"
	"github.com/ledgermesh/ledgermesh/src/discovery"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
	"github.com/ledgermesh/ledgermesh/src/node"
	"github.com/ledgermesh/ledgermesh/src/p2p"
	"github.com/ledgermesh/ledgermesh/src/service"
	"github.com/ledgermesh/ledgermesh/src/wallet"
)

// Mesh is the top-level engine.
type Mesh struct {
	Config    *config.Config
	Wallet    *wallet.Wallet
	Blobs     blobs.Store
	Transport lnet.Transport
	Discovery *discovery.StaticDiscovery
	Node      *node.Node
	Service   *service.Service
}

// NewMesh returns an uninitialized engine; call Init before Run.
func NewMesh(conf *config.Config) *Mesh {
	return &Mesh{
		Config: conf,
	}
}

func (m *Mesh) initKey() error {
	keyfile := wallet.NewKeyfile(m.Config.Keyfile())

	w, err := keyfile.ReadWallet()
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}

		m.Config.Logger().Warn("Cannot read private key from file, generating a new one")

		w, err = wallet.Generate()
		if err != nil {
			return err
		}

		if err := keyfile.WriteWallet(w); err != nil {
			return err
		}

		m.Config.Logger().WithField("public_key", w.PublicKeyHex()).Info("Created a new key")
	}

	m.Wallet = w

	return nil
}

func (m *Mesh) initBlobStore() error {
	if !m.Config.Store {
		m.Blobs = blobs.NewInmemStore()

		m.Config.Logger().Debug("created new in-mem blob store")

		return nil
	}

	m.Config.Logger().WithField("path", m.Config.DatabaseDir).Debug("Attempting to load or create database")

	store, err := blobs.NewBadgerStore(m.Config.DatabaseDir)
	if err != nil {
		return err
	}

	m.Blobs = store

	return nil
}

func (m *Mesh) initTransport() error {
	intro := p2p.NodeAnnouncePayload{NodeID: m.Wallet.NodeID()}

	var (
		trans lnet.Transport
		err   error
	)

	if m.Config.QUIC {
		trans, err = lnet.NewQUICTransport(
			m.Config.BindAddr,
			m.Config.AdvertiseAddr,
			m.Config.TCPTimeout,
			intro,
			m.Config.Logger(),
		)
	} else {
		trans, err = lnet.NewTCPTransport(
			m.Config.BindAddr,
			m.Config.AdvertiseAddr,
			m.Config.TCPTimeout,
			intro,
			m.Config.Logger(),
		)
	}

	if err != nil {
		return err
	}

	m.Transport = trans

	return nil
}

func (m *Mesh) initNode() error {
	m.Discovery = discovery.NewStaticDiscovery(m.Config.Seeds)

	m.Node = node.NewNode(
		m.Wallet,
		m.Transport,
		m.Discovery,
		m.Blobs,
		m.Config.Heartbeat,
		m.Config.Logger(),
	)

	return nil
}

func (m *Mesh) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.Config.Logger())
	}
	return nil
}

// Init assembles the engine components in dependency order.
func (m *Mesh) Init() error {
	if err := m.initKey(); err != nil {
		return fmt.Errorf("failed to initialize key: %s", err)
	}

	if err := m.initBlobStore(); err != nil {
		return fmt.Errorf("failed to initialize blob store: %s", err)
	}

	if err := m.initTransport(); err != nil {
		return fmt.Errorf("failed to initialize transport: %s", err)
	}

	if err := m.initNode(); err != nil {
		return fmt.Errorf("failed to initialize node: %s", err)
	}

	if err := m.initService(); err != nil {
		return fmt.Errorf("failed to initialize service: %s", err)
	}

	return nil
}

// Run starts the HTTP service and the node. It blocks until the node shuts
// down.
func (m *Mesh) Run() {
	if m.Service != nil {
		go m.Service.Serve()
	}

	m.Node.Run()
}

// Keygen generates a new identity key under datadir, refusing to overwrite
// an existing one.
func Keygen(conf *config.Config) (*wallet.Wallet, error) {
	keyfile := wallet.NewKeyfile(conf.Keyfile())

	if _, err := keyfile.ReadWallet(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", conf.DataDir)
	}

	w, err := wallet.Generate()
	if err != nil {
		return nil, err
	}

	if err := keyfile.WriteWallet(w); err != nil {
		return nil, err
	}

	return w, nil
}
