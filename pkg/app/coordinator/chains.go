package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/swap-coordinator/pkg/bitcoin"
	"github.com/chainsafe/swap-coordinator/pkg/chain"
	"github.com/chainsafe/swap-coordinator/pkg/config"
	"github.com/chainsafe/swap-coordinator/pkg/db"
	"github.com/chainsafe/swap-coordinator/pkg/ethereum"
	"github.com/chainsafe/swap-coordinator/pkg/monitor"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
	"github.com/chainsafe/swap-coordinator/pkg/solana"
)

// ledgers holds the adapters and the connections they own.
type ledgers struct {
	registry *chain.Registry
	closers  []func()
}

func (l *ledgers) Close() {
	for _, c := range l.closers {
		c()
	}
}

// openLedgers dials every configured chain and builds its adapter. Signing
// keys that are not pinned in the config are fetched from the signer.
func openLedgers(
	ctx context.Context,
	chains []config.ChainConfig,
	svc signer.Service,
	nonces db.NonceStore,
	logger *zap.Logger,
) (*ledgers, error) {
	l := &ledgers{}
	locks := signer.NewPathLocker()
	adapters := make([]chain.Adapter, 0, len(chains))

	for i := range chains {
		cc := &chains[i]
		key, err := keyRef(ctx, cc, svc)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		pool := chain.NewPool(cc.ID, chain.PoolConfig{
			MaxConcurrent:  cc.RPC.MaxConcurrent,
			RequestsPerSec: cc.RPC.RequestsPerSec,
			MaxRetries:     cc.RPC.MaxRetries,
			InitialBackoff: cc.RPC.InitialBackoff,
			MaxBackoff:     cc.RPC.MaxBackoff,
		})

		var a chain.Adapter
		switch cc.Family {
		case string(chain.FamilyEVM):
			a, err = l.openEVM(ctx, cc, key, pool, svc, locks, nonces, logger)
		case string(chain.FamilyUTXO):
			a, err = l.openUTXO(cc, key, pool, svc, locks, logger)
		case string(chain.FamilyEd25519):
			a, err = l.openEd25519(ctx, cc, key, pool, svc, locks, logger)
		default:
			err = fmt.Errorf("unsupported family %q", cc.Family)
		}
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("chain %s: %w", cc.ID, err)
		}
		logger.Info("Ledger adapter ready",
			zap.String("chain_id", cc.ID),
			zap.String("family", cc.Family),
			zap.String("address", a.Address()))
		adapters = append(adapters, a)
	}

	registry, err := chain.NewRegistry(adapters...)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.registry = registry
	return l, nil
}

func (l *ledgers) openEVM(
	ctx context.Context,
	cc *config.ChainConfig,
	key chain.KeyRef,
	pool *chain.Pool,
	svc signer.Service,
	locks *signer.PathLocker,
	nonces db.NonceStore,
	logger *zap.Logger,
) (chain.Adapter, error) {
	rpc, err := ethclient.DialContext(ctx, cc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	l.closers = append(l.closers, rpc.Close)

	cfg := ethereum.Config{
		ChainID:        cc.ID,
		NetworkID:      big.NewInt(cc.EVM.NetworkID),
		EscrowContract: common.HexToAddress(cc.EVM.EscrowContract),
		BlockInterval:  cc.BlockInterval,
		Legacy:         cc.EVM.Legacy,
		Key:            key,
	}
	if cc.EVM.MaxFeePerGas != "" {
		cfg.MaxFeePerGas, _ = new(big.Int).SetString(cc.EVM.MaxFeePerGas, 10)
	}
	return ethereum.NewClient(cfg, rpc, pool, svc, locks, nonces, logger)
}

func (l *ledgers) openUTXO(
	cc *config.ChainConfig,
	key chain.KeyRef,
	pool *chain.Pool,
	svc signer.Service,
	locks *signer.PathLocker,
	logger *zap.Logger,
) (chain.Adapter, error) {
	params, err := bitcoin.NetworkParams(cc.UTXO.Network)
	if err != nil {
		return nil, err
	}
	rpc, err := bitcoin.Dial(bitcoin.RPCConfig{
		Host:       rpcHost(cc.RPCURL),
		User:       cc.UTXO.User,
		Pass:       cc.UTXO.Password,
		DisableTLS: cc.UTXO.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	l.closers = append(l.closers, rpc.Shutdown)

	return bitcoin.NewClient(bitcoin.Config{
		ChainID:          cc.ID,
		Params:           params,
		BlockInterval:    cc.BlockInterval,
		ConfTarget:       cc.UTXO.ConfTarget,
		FallbackFeeRate:  cc.UTXO.FallbackFeeRate,
		DustRelayFeeRate: cc.UTXO.DustRelayFee,
		Key:              key,
	}, rpc, pool, svc, locks, logger)
}

func (l *ledgers) openEd25519(
	ctx context.Context,
	cc *config.ChainConfig,
	key chain.KeyRef,
	pool *chain.Pool,
	svc signer.Service,
	locks *signer.PathLocker,
	logger *zap.Logger,
) (chain.Adapter, error) {
	program, err := solana.ParsePublicKey(cc.Ed25519.Program)
	if err != nil {
		return nil, fmt.Errorf("ed25519.program: %w", err)
	}
	rpc, err := solana.Dial(ctx, cc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	l.closers = append(l.closers, rpc.Close)

	return solana.NewClient(solana.Config{
		ChainID:              cc.ID,
		Program:              program,
		SlotInterval:         cc.BlockInterval,
		Commitment:           cc.Ed25519.Commitment,
		LamportsPerSignature: cc.Ed25519.LamportsPerSignature,
		Key:                  key,
	}, rpc, pool, svc, locks, logger)
}

func keyRef(ctx context.Context, cc *config.ChainConfig, svc signer.Service) (chain.KeyRef, error) {
	ref := chain.KeyRef{DerivationPath: cc.Key.DerivationPath, KeyVersion: cc.Key.Version}
	if cc.Key.PublicKey != "" {
		ref.PublicKey = common.FromHex(cc.Key.PublicKey)
		return ref, nil
	}
	scheme := signer.SchemeSecp256k1
	if cc.Family == string(chain.FamilyEd25519) {
		scheme = signer.SchemeEd25519
	}
	pub, err := svc.PublicKey(ctx, scheme, ref.DerivationPath, ref.KeyVersion)
	if err != nil {
		return ref, fmt.Errorf("fetch public key: %w", err)
	}
	ref.PublicKey = pub
	return ref, nil
}

// rpcHost strips the scheme from a node URL; the UTXO client wants host:port.
func rpcHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func watcherConfigs(cfg *config.Config) map[string]monitor.WatcherConfig {
	out := make(map[string]monitor.WatcherConfig, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		out[cc.ID] = monitor.WatcherConfig{
			Confirmations:  cc.Confirmations,
			PollInterval:   cc.PollInterval,
			RescanWindow:   cc.RescanWindow,
			StartHeight:    cc.StartHeight,
			MaxFailures:    cfg.Monitoring.MaxFailures,
			InitialBackoff: cfg.Monitoring.InitialBackoff,
			MaxBackoff:     cfg.Monitoring.MaxBackoff,
		}
	}
	return out
}
