// Package chain wraps the escrow contract behind a typed client. Reads go
// through eth_call; state-changing calls are signed with the service
// operator key and submitted on the caller's behalf.
package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/session"
	"github.com/meterpay/meterpay-backend/internal/usdc"
)

// Contract function selectors, first four bytes of the keccak of the
// canonical signatures.
var (
	selGetBalance = ethcrypto.Keccak256([]byte("getBalance(address)"))[:4]
	selGetInfo    = ethcrypto.Keccak256([]byte("getInfo()"))[:4]
	selDeposit    = ethcrypto.Keccak256([]byte("deposit(uint256)"))[:4]
	selWithdraw   = ethcrypto.Keccak256([]byte("withdraw(uint256)"))[:4]
	selSettle     = ethcrypto.Keccak256([]byte("settle(address,bytes32,uint256)"))[:4]
)

const fallbackGasLimit = 300_000

// Config represents escrow chain client configuration
type Config struct {
	RPCURL          string        `yaml:"rpc_url"`
	EscrowAddress   string        `yaml:"escrow_address"`
	ChainID         int64         `yaml:"chain_id"`
	OperatorKeyPath string        `yaml:"operator_key_path"`
	Timeout         time.Duration `yaml:"timeout"`
}

// EscrowInfo mirrors the contract's getInfo() tuple.
type EscrowInfo struct {
	TokenAddress   string `json:"token_address"`
	ServiceAddress string `json:"service_address"`
	Name           string `json:"name"`
	Version        string `json:"version"`
}

// Client is an escrow contract client backed by an Ethereum RPC endpoint.
type Client struct {
	eth      *ethclient.Client
	escrow   common.Address
	chainID  *big.Int
	operator *ecdsa.PrivateKey
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient dials the RPC endpoint and verifies connectivity.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("invalid escrow address %q", cfg.EscrowAddress)
	}
	operator, err := loadOperatorKey(cfg.OperatorKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator key: %w", err)
	}

	eth, err := ethclient.Dial(strings.TrimSpace(cfg.RPCURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrChainConnection, err)
	}

	client := &Client{
		eth:      eth,
		escrow:   common.HexToAddress(cfg.EscrowAddress),
		chainID:  big.NewInt(cfg.ChainID),
		operator: operator,
		timeout:  cfg.Timeout,
		logger:   logger,
	}

	// Reading the contract identity doubles as the connectivity check: it
	// proves the RPC endpoint answers and the escrow address is live.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	info, err := client.Info(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrChainConnection, err)
	}

	logger.Info("Escrow chain client initialized",
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("escrow", client.escrow.Hex()),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("contract", info.Name),
		zap.String("contract_version", info.Version),
	)
	return client, nil
}

// BalanceOf reads the authoritative smallest-unit escrow balance for an
// account. Pure query, no mutation.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid account address %q", address)
	}
	data := make([]byte, 0, 4+32)
	data = append(data, selGetBalance...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)

	out, err := c.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: getBalance: %v", models.ErrChainCall, err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("%w: getBalance returned %d bytes", models.ErrChainCall, len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// BalanceUSDC reads the escrow balance as a display decimal. A balance that
// cannot be converted yields zero rather than a fault; transport and
// contract-call failures still propagate as errors.
func (c *Client) BalanceUSDC(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := c.BalanceOf(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	display, fallback := usdc.DisplayFromRaw(bal.String())
	if fallback {
		c.logger.Warn("Escrow balance conversion fell back to zero",
			zap.String("address", address),
			zap.String("raw", bal.String()),
		)
		return decimal.Zero, nil
	}
	return display.Shift(-usdc.Decimals), nil
}

// Info reads the contract's identity tuple.
func (c *Client) Info(ctx context.Context) (*EscrowInfo, error) {
	out, err := c.call(ctx, selGetInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: getInfo: %v", models.ErrChainCall, err)
	}
	if len(out) < 4*32 {
		return nil, fmt.Errorf("%w: getInfo returned %d bytes", models.ErrChainCall, len(out))
	}
	name, err := readABIString(out, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: getInfo name: %v", models.ErrChainCall, err)
	}
	version, err := readABIString(out, 3)
	if err != nil {
		return nil, fmt.Errorf("%w: getInfo version: %v", models.ErrChainCall, err)
	}
	return &EscrowInfo{
		TokenAddress:   common.BytesToAddress(out[0:32]).Hex(),
		ServiceAddress: common.BytesToAddress(out[32:64]).Hex(),
		Name:           name,
		Version:        version,
	}, nil
}

// Settle moves a settled payment amount out of the payer's escrow balance.
// Invoked by the backend only after the signed intent has been validated.
func (c *Client) Settle(ctx context.Context, payer, sessionID string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(payer) {
		return "", fmt.Errorf("invalid payer address %q", payer)
	}
	sid, err := session.Decode(sessionID)
	if err != nil {
		return "", err
	}
	data := make([]byte, 0, 4+3*32)
	data = append(data, selSettle...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(payer).Bytes(), 32)...)
	data = append(data, sid[:]...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	txHash, err := c.submit(ctx, data)
	if err != nil {
		var pending *models.TxPendingError
		if errors.As(err, &pending) {
			// The transaction went out but the receipt never came. Hand the
			// hash up unwrapped so the caller can park the session instead
			// of treating this as a clean failure.
			c.logger.Warn("Escrow settlement broadcast without confirmation",
				zap.String("payer", payer),
				zap.String("session_id", sessionID),
				zap.String("tx_hash", pending.TxHash),
			)
			return "", err
		}
		return "", fmt.Errorf("%w: settle: %v", models.ErrChainCall, err)
	}
	c.logger.Info("Escrow settlement transaction confirmed",
		zap.String("payer", payer),
		zap.String("session_id", sessionID),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// Deposit moves funds into the operator's escrow balance.
func (c *Client) Deposit(ctx context.Context, amount *big.Int) (string, error) {
	return c.escrowOp(ctx, "deposit", selDeposit, amount)
}

// Withdraw moves funds out of the operator's escrow balance.
func (c *Client) Withdraw(ctx context.Context, amount *big.Int) (string, error) {
	return c.escrowOp(ctx, "withdraw", selWithdraw, amount)
}

func (c *Client) escrowOp(ctx context.Context, op string, selector []byte, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() < 0 {
		return "", models.ErrInvalidAmount
	}
	data := make([]byte, 0, 4+32)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	txHash, err := c.submit(ctx, data)
	if err != nil {
		var pending *models.TxPendingError
		if errors.As(err, &pending) {
			c.logger.Warn("Escrow transaction broadcast without confirmation",
				zap.String("operation", op),
				zap.String("tx_hash", pending.TxHash),
			)
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", models.ErrChainCall, op, err)
	}
	c.logger.Info("Escrow transaction confirmed",
		zap.String("operation", op),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() error {
	c.eth.Close()
	return nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg := ethereum.CallMsg{To: &c.escrow, Data: data}
	return c.eth.CallContract(ctx, msg, nil)
}

// submit signs a contract call with the operator key, sends it, and waits
// for it to be mined.
func (c *Client) submit(ctx context.Context, data []byte) (string, error) {
	from := ethcrypto.PubkeyToAddress(c.operator.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch account nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.escrow, Data: data})
	if err != nil {
		gasLimit = fallbackGasLimit
	}

	tx := gethtypes.NewTransaction(nonce, c.escrow, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.operator)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	if err := c.waitMined(ctx, signed.Hash()); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// waitMined polls for the receipt until the transaction lands or the
// timeout elapses. The transaction is already on the wire at this point, so
// a timeout is reported as a pending transaction, never a plain failure.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return &models.TxPendingError{TxHash: txHash.Hex()}
		case <-ticker.C:
		}
	}
}

// readABIString decodes a dynamically encoded string from call output given
// the head word that holds its offset.
func readABIString(out []byte, headWord int) (string, error) {
	headStart := headWord * 32
	if len(out) < headStart+32 {
		return "", fmt.Errorf("output truncated at head word %d", headWord)
	}
	offset := binary.BigEndian.Uint64(out[headStart+24 : headStart+32])
	if uint64(len(out)) < offset+32 {
		return "", fmt.Errorf("string offset %d out of range", offset)
	}
	length := binary.BigEndian.Uint64(out[offset+24 : offset+32])
	start := offset + 32
	if uint64(len(out)) < start+length {
		return "", fmt.Errorf("string data out of range")
	}
	return string(out[start : start+length]), nil
}

// loadOperatorKey loads the service operator key from the environment or a
// key file, preferring the environment.
func loadOperatorKey(path string) (*ecdsa.PrivateKey, error) {
	if envKey := os.Getenv("ESCROW_OPERATOR_KEY"); envKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(envKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode operator key from environment: %w", err)
		}
		return key, nil
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read operator key file: %w", err)
		}
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode operator key from file: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("no operator key found; set ESCROW_OPERATOR_KEY or configure operator_key_path")
}
