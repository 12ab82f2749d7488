package usbledger

// ledgerOpcode is an enumeration encoding the supported Ledger opcodes.
type ledgerOpcode byte

// ledgerParam1 is an enumeration encoding the supported Ledger parameters for
// specific opcodes. The same parameter values may be reused between opcodes.
type ledgerParam1 byte

// ledgerParam2 is an enumeration encoding the supported Ledger parameters for
// specific opcodes. The same parameter values may be reused between opcodes.
type ledgerParam2 byte

const ledgerCLA = 0xe0

const (
	ledgerOpRetrieveAddress      ledgerOpcode = 0x02 // Returns the public key and Ethereum address for a given BIP 32 path
	ledgerOpSignTransaction      ledgerOpcode = 0x04 // Signs an Ethereum transaction after having the user validate the parameters
	ledgerOpGetConfiguration     ledgerOpcode = 0x06 // Returns specific wallet application configuration
	ledgerOpSignPersonalMessage  ledgerOpcode = 0x08 // Signs a personal message following the EIP 191 specification
	ledgerOpSignTypedMessage     ledgerOpcode = 0x0c // Signs an Ethereum message following the EIP 712 specification
	ledgerOpEip712SendStructDef  ledgerOpcode = 0x1a // Sends EIP-712 struct types to the ledger
	ledgerOpEip712SendStructImpl ledgerOpcode = 0x1c // Sends EIP-712 struct values to the ledger

	ledgerP1DirectlyFetchAddress ledgerParam1 = 0x00 // Return address directly from the wallet
	ledgerP1ConfirmFetchAddress  ledgerParam1 = 0x01 // Require a user confirmation before returning the address
	ledgerP1InitTransactionData  ledgerParam1 = 0x00 // First data block for chunked signing
	ledgerP1ContTransactionData  ledgerParam1 = 0x80 // Subsequent data block for chunked signing
	ledgerP1CompleteSend         ledgerParam1 = 0x00 // Send the full value in a single message
	ledgerP1PartialSend          ledgerParam1 = 0x01 // More chunks of the value follow

	ledgerP2DiscardAddressChainCode ledgerParam2 = 0x00 // Do not return the chain code along with the address
	ledgerP2StructName              ledgerParam2 = 0x00 // Send EIP-712 struct name
	ledgerP2RootStruct              ledgerParam2 = 0x00 // Send EIP-712 root struct
	ledgerP2Array                   ledgerParam2 = 0x0f // Send EIP-712 array
	ledgerP2StructField             ledgerParam2 = 0xff // Send EIP-712 struct field
	ledgerP2V0Implementation        ledgerParam2 = 0x00 // EIP-712 signing over pre-computed hashes
	ledgerP2FullImplementation      ledgerParam2 = 0x01 // EIP-712 full implementation (typed data)
)

// maxChunkSize is the largest data block a single APDU can carry.
const maxChunkSize = 255

// BuildCommand assembles an APDU command:
//
//	CLA | INS | P1 | P2 | Lc                | Data
//	----+-----+----+----+-------------------+------------
//	 E0 | ins | p1 | p2 | len(path)+len(data) | path || data
func BuildCommand(ins, p1, p2 byte, path, data []byte) ([]byte, error) {
	length := len(path) + len(data)
	if length > maxChunkSize {
		return nil, ErrCommandTooLong
	}
	apdu := make([]byte, 0, 5+length)
	apdu = append(apdu, ledgerCLA, ins, p1, p2, byte(length))
	apdu = append(apdu, path...)
	apdu = append(apdu, data...)
	return apdu, nil
}

func buildCommand(op ledgerOpcode, p1 ledgerParam1, p2 ledgerParam2, path, data []byte) ([]byte, error) {
	return BuildCommand(byte(op), byte(p1), byte(p2), path, data)
}
