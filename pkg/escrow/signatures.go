package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

var (
	allowFinalizeTypeHash = crypto.Keccak256Hash([]byte("AllowFinalize(bytes32 orderId,address destination,bytes call)"))
	allowFinalizeArgs     = encoding.Arguments(encoding.Bytes32Type, encoding.Bytes32Type, encoding.AddressType, encoding.Bytes32Type)

	orderPurchaseTypeHash = crypto.Keccak256Hash([]byte("OrderPurchase(bytes32 orderId,address destination,bytes call,uint32 discount,uint32 timeToBuy)"))
	orderPurchaseArgs     = encoding.Arguments(encoding.Bytes32Type, encoding.Bytes32Type, encoding.AddressType,
		encoding.Bytes32Type, encoding.Uint32Type, encoding.Uint32Type)
)

// FinalizeDigest is what the claim owner signs to let anyone finalize orderID
// to destination with call
func FinalizeDigest(chainID *big.Int, escrow common.Address, orderID common.Hash, destination common.Address, call []byte) (common.Hash, error) {
	packed, err := allowFinalizeArgs.Pack(
		[32]byte(allowFinalizeTypeHash),
		[32]byte(orderID),
		destination,
		[32]byte(crypto.Keccak256Hash(call)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: allow finalize: %v", models.ErrMalformedEncoding, err)
	}
	return encoding.TypedDataHash(encoding.DomainSeparator(DomainName, chainID, escrow), crypto.Keccak256Hash(packed)), nil
}

// PurchaseDigest is what a solver signs to sell its claim on an order
func PurchaseDigest(chainID *big.Int, escrow common.Address, purchase models.OrderPurchase) (common.Hash, error) {
	packed, err := orderPurchaseArgs.Pack(
		[32]byte(orderPurchaseTypeHash),
		[32]byte(purchase.OrderID),
		purchase.Destination,
		[32]byte(crypto.Keccak256Hash(purchase.Call)),
		purchase.Discount,
		purchase.TimeToBuy,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: order purchase: %v", models.ErrMalformedEncoding, err)
	}
	return encoding.TypedDataHash(encoding.DomainSeparator(DomainName, chainID, escrow), crypto.Keccak256Hash(packed)), nil
}
