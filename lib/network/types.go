package network

// Config selects the bridge and subnet VMs are attached to.
type Config struct {
	Bridge string // "br0", must already exist
	Subnet string // "10.100.0.0/24"
}

// Allocation is the network identity of one VM. It is stable across
// restarts of the same VM.
type Allocation struct {
	VMID      string `json:"vm_id"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	TAPDevice string `json:"tap_device"`
	Gateway   string `json:"gateway"`
	Netmask   string `json:"netmask"`
	Bridge    string `json:"bridge"`
}

// Stats are the TAP device's byte counters as seen by the guest.
type Stats struct {
	RxBytes uint64
	TxBytes uint64
}
