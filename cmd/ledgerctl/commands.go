package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/mdehoog/usbledger"
	"github.com/mdehoog/usbledger/hdpath"
	"github.com/mdehoog/usbledger/selector"
	"github.com/spf13/cobra"
)

var (
	indexFlag       uint32
	pathFlag        string
	confirmFlag     bool
	hexFlag         bool
	domainHashFlag  string
	messageHashFlag string
	typedFileFlag   string
)

// selectCmd pages through the accounts of the device.
// Example:
//
//	ledgerctl select --page-size 10
var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Interactively pick an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, cleanup := cfg.registry()
		defer cleanup()

		device, err := registry.Device()
		if err != nil {
			return err
		}
		prompter, closePrompter := newPrompter()
		defer closePrompter()

		s := selector.New(device, cfg.base,
			selector.WithPageSize(cfg.pageSize),
			selector.WithPrompter(prompter),
			selector.WithOutput(cmd.OutOrStdout()),
		)
		choice, err := s.Run()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", choice.Address.Hex(), choice.Path)
		return nil
	},
}

// addressCmd derives a single address.
// Example:
//
//	ledgerctl address --index 3
//	ledgerctl address --path "m/44'/60'/0'/0/7" --confirm
var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Show the address of an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := accountPath(cmd)
		if err != nil {
			return err
		}
		registry, cleanup := cfg.registry()
		defer cleanup()

		var raw string
		if confirmFlag {
			device, err := registry.Device()
			if err != nil {
				return err
			}
			raw, err = device.ConfirmAddress(path)
			if err != nil {
				return err
			}
		} else {
			session, err := registry.Session(path)
			if err != nil {
				return err
			}
			if raw, err = session.Address(); err != nil {
				return err
			}
		}
		address, err := checksumAddress(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", address.Hex(), path)
		return nil
	},
}

// signMessageCmd signs an EIP-191 personal message.
// Example:
//
//	ledgerctl sign-message "hello world"
//	ledgerctl sign-message --hex 0x68656c6c6f
var signMessageCmd = &cobra.Command{
	Use:   "sign-message <message>",
	Short: "Sign a personal message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := []byte(args[0])
		if hexFlag {
			var err error
			if message, err = hexutil.Decode(args[0]); err != nil {
				return fmt.Errorf("invalid hex message: %w", err)
			}
		}
		session, cleanup, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		sig, err := session.SignPersonalMessage(message)
		if err != nil {
			return err
		}
		printSignature(cmd, sig)
		if signer, err := recoverSigner(accounts.TextHash(message), sig); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Signer:    %s\n", signer.Hex())
		}
		return nil
	},
}

// signTypedCmd signs EIP-712 typed data, either as pre-computed hashes or by
// streaming the full JSON document for review on the device.
// Example:
//
//	ledgerctl sign-typed --domain-hash 0x... --message-hash 0x...
//	ledgerctl sign-typed --file mail.json
var signTypedCmd = &cobra.Command{
	Use:   "sign-typed",
	Short: "Sign EIP-712 typed data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			typed        *apitypes.TypedData
			domain, hash common.Hash
		)
		if typedFileFlag != "" {
			var err error
			if typed, err = readTypedData(typedFileFlag); err != nil {
				return err
			}
		} else {
			var err error
			if domain, err = parseHash("domain-hash", domainHashFlag); err != nil {
				return err
			}
			if hash, err = parseHash("message-hash", messageHashFlag); err != nil {
				return err
			}
		}
		session, cleanup, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		var sig *usbledger.Signature
		if typed != nil {
			sig, err = session.SignTypedDataFull(*typed)
		} else {
			sig, err = session.SignTypedData(domain, hash)
		}
		if err != nil {
			return err
		}
		printSignature(cmd, sig)
		return nil
	},
}

// signTxCmd signs a serialized unsigned transaction.
// Example:
//
//	ledgerctl sign-tx 0xe9808504a817c800825208943535353535353535353535353535353535353535880de0b6b3a764000080018080
var signTxCmd = &cobra.Command{
	Use:   "sign-tx <rlp>",
	Short: "Sign a serialized unsigned transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := hexutil.Decode(args[0])
		if err != nil {
			return fmt.Errorf("invalid transaction hex: %w", err)
		}
		session, cleanup, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		sig, err := session.SignTransaction(tx)
		if err != nil {
			return err
		}
		printSignature(cmd, sig)
		return nil
	},
}

// versionCmd reports the Ethereum app version running on the device.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the Ethereum app version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, cleanup := cfg.registry()
		defer cleanup()

		device, err := registry.Device()
		if err != nil {
			return err
		}
		app, err := device.AppConfiguration()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ethereum app %s, arbitrary data signing: %t\n", app, app.ArbitraryDataEnabled())
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{addressCmd, signMessageCmd, signTypedCmd, signTxCmd} {
		cmd.Flags().Uint32Var(&indexFlag, "index", 0, "account index substituted into the HD template")
		cmd.Flags().StringVar(&pathFlag, "path", "", "full HD path, overrides --index")
	}
	addressCmd.Flags().BoolVar(&confirmFlag, "confirm", false, "display the address on the device for confirmation")
	signMessageCmd.Flags().BoolVar(&hexFlag, "hex", false, "message is 0x prefixed hex")
	signTypedCmd.Flags().StringVar(&domainHashFlag, "domain-hash", "", "EIP-712 domain separator hash")
	signTypedCmd.Flags().StringVar(&messageHashFlag, "message-hash", "", "EIP-712 message hash")
	signTypedCmd.Flags().StringVar(&typedFileFlag, "file", "", "JSON typed data to stream to the device")
}

// accountPath resolves --path, or the configured template with --index.
func accountPath(cmd *cobra.Command) (hdpath.AccountPath, error) {
	if cmd.Flags().Changed("path") {
		return hdpath.Parse(pathFlag)
	}
	return cfg.base.WithIndex(indexFlag)
}

func openSession(cmd *cobra.Command) (*usbledger.Session, func(), error) {
	path, err := accountPath(cmd)
	if err != nil {
		return nil, nil, err
	}
	registry, cleanup := cfg.registry()
	session, err := registry.Session(path)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	fmt.Fprintln(os.Stderr, "Please confirm the request on your Ledger")
	return session, cleanup, nil
}

func checksumAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("device returned invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseHash(name, value string) (common.Hash, error) {
	if value == "" {
		return common.Hash{}, fmt.Errorf("--%s is required without --file", name)
	}
	raw, err := hexutil.Decode(value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid %s: want %d bytes, have %d", name, common.HashLength, len(raw))
	}
	return common.BytesToHash(raw), nil
}

func readTypedData(file string) (*apitypes.TypedData, error) {
	blob, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(blob, &typed); err != nil {
		return nil, fmt.Errorf("failed to parse typed data %s: %w", file, err)
	}
	return &typed, nil
}

func printSignature(cmd *cobra.Command, sig *usbledger.Signature) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signature: %s\n", hexutil.Encode(sig.Bytes()))
	fmt.Fprintf(out, "V:         %d\n", sig.V)
	fmt.Fprintf(out, "R:         %s\n", hexutil.Encode(sig.R[:]))
	fmt.Fprintf(out, "S:         %s\n", hexutil.Encode(sig.S[:]))
}

// recoverSigner recovers the address of a message signature whose V is the
// legacy 27/28 recovery byte.
func recoverSigner(hash []byte, sig *usbledger.Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, errors.New("signature V is not a recovery byte")
	}
	raw := sig.Bytes()
	raw[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
