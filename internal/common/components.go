package common

const (
	ComponentEngine          = "addr-index-engine"
	ComponentStore           = "addr-index-store"
	ComponentPrevoutResolver = "prevout-resolver"
	ComponentStatus          = "status-reporter"
	ComponentXpub            = "xpub-tracker"
	ComponentRPC             = "bitcoind-rpc"
	ComponentFeed            = "change-feed"
	ComponentZMQ             = "zmq-listener"
	ComponentMaintenance     = "maintenance"
)

var AllComponents = map[string]struct{}{
	ComponentEngine:          {},
	ComponentStore:           {},
	ComponentPrevoutResolver: {},
	ComponentStatus:          {},
	ComponentXpub:            {},
	ComponentRPC:             {},
	ComponentFeed:            {},
	ComponentZMQ:             {},
	ComponentMaintenance:     {},
}
