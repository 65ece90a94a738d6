package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// BidCode classifies a bid-round message.
type BidCode string

const (
	BidPlaced           BidCode = "BID"
	BidAlreadyInstalled BidCode = "ALREADY_INSTALLED"
	BidInstallOK        BidCode = "INSTALL_OK"
	BidFail             BidCode = "FAIL"
)

// BidRequest opens a round asking every node to bid on hosting the artifact
// that satisfies Requirement.
type BidRequest struct {
	RequestIdentity string   `json:"request_identity"`
	SymbolicName    string   `json:"symbolic_name"`
	Version         string   `json:"version"`
	Requirement     string   `json:"requirement"`
	Indexes         []string `json:"indexes,omitempty"`
}

func (BidRequest) Kind() Kind { return KindBidRequest }
func (BidRequest) isPayload() {}

func (r BidRequest) Validate() error {
	if strings.TrimSpace(r.RequestIdentity) == "" {
		return errors.New("missing request identity")
	}
	if strings.TrimSpace(r.Requirement) == "" {
		return errors.New("missing requirement")
	}
	return nil
}

// BidResponse carries a bid, or an outcome of the install that followed.
type BidResponse struct {
	RequestIdentity string  `json:"request_identity"`
	SymbolicName    string  `json:"symbolic_name,omitempty"`
	Version         string  `json:"version,omitempty"`
	Code            BidCode `json:"code"`
	Bid             int64   `json:"bid"`
	Message         string  `json:"message,omitempty"`
}

func (BidResponse) Kind() Kind { return KindBidResponse }
func (BidResponse) isPayload() {}

func (r BidResponse) Validate() error {
	if strings.TrimSpace(r.RequestIdentity) == "" {
		return errors.New("missing request identity")
	}
	switch r.Code {
	case BidPlaced, BidAlreadyInstalled, BidInstallOK, BidFail:
		return nil
	}
	return fmt.Errorf("unknown bid code %q", r.Code)
}

// InstallCommand tells one node to install, uninstall, or reset. Bid
// winners receive INSTALL with the round's identity; operators send the
// other actions directly.
type InstallCommand struct {
	RequestIdentity string   `json:"request_identity"`
	Action          Action   `json:"action"`
	SymbolicName    string   `json:"symbolic_name"`
	Version         string   `json:"version"`
	Name            string   `json:"name"`
	Requirements    []string `json:"requirements,omitempty"`
	Indexes         []string `json:"indexes,omitempty"`
}

func (InstallCommand) Kind() Kind { return KindInstallCommand }
func (InstallCommand) isPayload() {}

func (c InstallCommand) Validate() error {
	if !c.Action.Valid() {
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.Action == ActionReset {
		return nil
	}
	if strings.TrimSpace(c.SymbolicName) == "" {
		return errors.New("missing symbolic name")
	}
	if c.Action == ActionInstall && len(c.Requirements) == 0 {
		return errors.New("install command without requirements")
	}
	return nil
}
