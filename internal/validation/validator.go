package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NetworkLoading is the network version reported while a chain switch is
// in progress.
const NetworkLoading = "loading"

// EthereumAddressPattern is the regex pattern for Ethereum addresses
var EthereumAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ChainIDPattern matches a 0x-prefixed hex quantity, leading zeros allowed.
var ChainIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// ValidateEthereumAddress validates an Ethereum address format
func ValidateEthereumAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !EthereumAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid Ethereum address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid Ethereum address")
	}

	return nil
}

// ValidateChainID validates a 0x-prefixed hexadecimal chain ID
func ValidateChainID(chainID string) error {
	if chainID == "" {
		return fmt.Errorf("chain ID cannot be empty")
	}

	if !ChainIDPattern.MatchString(chainID) {
		return fmt.Errorf("invalid chain ID %q: must be 0x followed by hex digits", chainID)
	}

	// hexutil rejects leading zeros; only the 256-bit range matters here.
	digits := strings.TrimLeft(chainID[2:], "0")
	if digits == "" {
		digits = "0"
	}
	if _, err := hexutil.DecodeBig("0x" + digits); err != nil {
		return fmt.Errorf("invalid chain ID %q: %w", chainID, err)
	}

	return nil
}

// ValidateNetworkVersion validates a decimal network version, accepting
// NetworkLoading as well.
func ValidateNetworkVersion(networkVersion string) error {
	if networkVersion == NetworkLoading {
		return nil
	}

	if _, err := strconv.ParseUint(networkVersion, 10, 64); err != nil {
		return fmt.Errorf("invalid network version %q", networkVersion)
	}

	return nil
}
