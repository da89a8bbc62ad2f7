package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20JSON = `[
 {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// lendingPoolJSON is the Aave v3 Pool surface. Morpho venues are reached
// through an Aave-compatible adapter at the configured address.
const lendingPoolJSON = `[
 {"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
 {"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
 {"name":"repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const stakingJSON = `[
 {"name":"submit","type":"function","stateMutability":"payable","inputs":[{"name":"referral","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"deposit","type":"function","stateMutability":"payable","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"requestWithdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const withdrawalQueueJSON = `[
 {"name":"requestWithdrawals","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amounts","type":"uint256[]"},{"name":"owner","type":"address"}],"outputs":[{"name":"requestIds","type":"uint256[]"}]},
 {"name":"WithdrawalRequested","type":"event","anonymous":false,"inputs":[{"name":"requestId","type":"uint256","indexed":true},{"name":"requestor","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"amountOfStETH","type":"uint256","indexed":false},{"name":"amountOfShares","type":"uint256","indexed":false}]}
]`

const uniswapV2JSON = `[
 {"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const curvePoolJSON = `[
 {"name":"get_dy","type":"function","stateMutability":"view","inputs":[{"name":"i","type":"int128"},{"name":"j","type":"int128"},{"name":"dx","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"name":"exchange","type":"function","stateMutability":"nonpayable","inputs":[{"name":"i","type":"int128"},{"name":"j","type":"int128"},{"name":"dx","type":"uint256"},{"name":"min_dy","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc20ABI           = mustABI(erc20JSON)
	lendingPoolABI     = mustABI(lendingPoolJSON)
	stakingABI         = mustABI(stakingJSON)
	withdrawalQueueABI = mustABI(withdrawalQueueJSON)
	uniswapV2ABI       = mustABI(uniswapV2JSON)
	curvePoolABI       = mustABI(curvePoolJSON)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("evm: bad abi: " + err.Error())
	}
	return a
}
