package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meterpay/meterpay-backend/internal/client"
	"github.com/meterpay/meterpay-backend/internal/intent"
	"github.com/meterpay/meterpay-backend/internal/models"
	"github.com/meterpay/meterpay-backend/internal/retryer"
	"github.com/meterpay/meterpay-backend/internal/session"
	"github.com/meterpay/meterpay-backend/internal/usdc"
)

const defaultServerURL = "http://localhost:8084"

func main() {
	serverURL := defaultServerURL
	if url := os.Getenv("METERPAY_SERVER_URL"); url != "" {
		serverURL = url
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	signer, err := loadSigner()
	if err != nil {
		fmt.Printf("Failed to load payer key: %v\n", err)
		os.Exit(1)
	}

	payClient := client.NewClient(&client.Config{
		BaseURL: serverURL,
		Timeout: 30 * time.Second,
	}, signer.Address(), signer, logger)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	retryCfg := retryer.DefaultRetryConfig()

	switch os.Args[1] {
	case "address":
		fmt.Println(signer.Address())

	case "balance":
		err := retryer.WithRetry(ctx, logger, retryCfg, "read escrow balance", func() error {
			balance, err := payClient.ReadEscrowBalance(ctx, signer.Address())
			if err != nil {
				return err
			}
			fmt.Printf("Escrow Balance: %s USDC\n", balance.StringFixed(6))
			return nil
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	case "nonce":
		err := retryer.WithRetry(ctx, logger, retryCfg, "fetch nonce", func() error {
			nonce, err := payClient.FetchNonce(ctx, signer.Address())
			if err != nil {
				return err
			}
			fmt.Printf("Next Nonce: %d\n", nonce)
			return nil
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	case "session-id":
		if len(os.Args) < 3 {
			fmt.Println("Usage: payctl session-id <counter>")
			os.Exit(1)
		}
		counter, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			fmt.Printf("Invalid counter: %v\n", err)
			os.Exit(1)
		}
		id, err := session.HexID(signer.Address(), counter)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(id)

	case "pay":
		if len(os.Args) < 4 {
			fmt.Println("Usage: payctl pay <counter> <amount_usdc> [service_type]")
			os.Exit(1)
		}
		runPay(ctx, payClient, os.Args[2:])

	case "settled":
		if len(os.Args) < 3 {
			fmt.Println("Usage: payctl settled <session_id>")
			os.Exit(1)
		}
		err := retryer.WithRetry(ctx, logger, retryCfg, "check settlement", func() error {
			settled, err := payClient.IsSessionSettled(ctx, os.Args[2])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s settled: %v\n", os.Args[2], settled)
			return nil
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	case "history":
		page := 1
		if len(os.Args) > 2 {
			page, err = strconv.Atoi(os.Args[2])
			if err != nil || page < 1 {
				fmt.Println("Usage: payctl history [page]")
				os.Exit(1)
			}
		}
		err := retryer.WithRetry(ctx, logger, retryCfg, "list transactions", func() error {
			resp, err := payClient.Transactions(ctx, page, 0, models.SortRecent)
			if err != nil {
				return err
			}
			printHistory(resp)
			return nil
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runPay(ctx context.Context, payClient *client.Client, args []string) {
	counter, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid counter: %v\n", err)
		os.Exit(1)
	}

	amount, err := usdc.ParseAmount(args[1])
	if err != nil {
		fmt.Printf("Invalid amount: %v\n", err)
		os.Exit(1)
	}

	serviceType := models.ServiceTypeVideoStream
	if len(args) > 2 {
		serviceType = models.ServiceType(args[2])
	}

	resp, err := payClient.Pay(ctx, counter, amount, serviceType, nil)
	if err != nil {
		if client.IsAmbiguous(err) {
			// The submission outcome is unknown; check the settlement record
			// before deciding anything.
			sessionID, idErr := session.HexID(payClient.Payer(), counter)
			if idErr == nil {
				settled, checkErr := payClient.IsSessionSettled(ctx, sessionID)
				if checkErr == nil {
					fmt.Printf("Submission outcome was ambiguous; session %s settled: %v\n", sessionID, settled)
					if settled {
						return
					}
					fmt.Println("Payment did not settle. Retry with a fresh intent if desired.")
					os.Exit(1)
				}
			}
		}
		fmt.Printf("Payment failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Payment settled\n")
	fmt.Printf("  Tx Hash: %s\n", resp.TxHash)
	fmt.Printf("  Amount:  %s USDC\n", resp.AmountUSDC)
}

func printHistory(resp *models.TransactionListResponse) {
	fmt.Printf("Transactions (page %d, %d total):\n", resp.Page, resp.Total)
	for _, tx := range resp.Transactions {
		amount := "-"
		if tx.AmountUSDC != nil {
			amount = tx.AmountUSDC.StringFixed(6) + " USDC"
		}
		txHash := "-"
		if tx.TxHash != nil {
			txHash = *tx.TxHash
		}
		fmt.Printf("  %s  %-16s %-16s %s\n",
			tx.CreatedAt.Format(time.RFC3339), tx.ServiceType, amount, txHash)
	}
}

// loadSigner resolves the payer key from METERPAY_KEY (hex) or
// METERPAY_KEY_FILE. Without either, a throwaway key is generated.
func loadSigner() (*intent.LocalSigner, error) {
	if keyHex := os.Getenv("METERPAY_KEY"); keyHex != "" {
		return intent.NewLocalSigner(keyHex)
	}
	if keyPath := os.Getenv("METERPAY_KEY_FILE"); keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return intent.NewLocalSigner(strings.TrimSpace(string(data)))
	}

	signer, err := intent.GenerateLocalSigner()
	if err != nil {
		return nil, err
	}
	fmt.Printf("No key configured, generated throwaway payer %s\n", signer.Address())
	return signer, nil
}

func printUsage() {
	fmt.Println("Usage: payctl <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  address                               print the payer address")
	fmt.Println("  balance                               read the escrow balance")
	fmt.Println("  nonce                                 fetch the next nonce")
	fmt.Println("  session-id <counter>                  derive a session id")
	fmt.Println("  pay <counter> <amount_usdc> [service] sign and settle a payment")
	fmt.Println("  settled <session_id>                  check settlement status")
	fmt.Println("  history [page]                        list ledger transactions")
}
