package xconfig

import (
	"fmt"
	"os"

	"github.com/vizstack/vsxd/internal/ssmproto"
)

// Description is the per-server XML description, opaque to the core beyond
// the owner/server-type fields needed for authorization (§3 ServerConfig).
type Description struct {
	XML   []byte
	Owner int
}

// FetchStandalone reads the per-server XML description from a well-known
// filesystem path keyed by server number. No ownership check is performed:
// standalone mode has no SSM to consult for an owner.
func FetchStandalone(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("xconfig: read standalone description %s: %w", path, err)
	}
	return &Description{XML: data}, nil
}

// FetchManaged obtains the description via an already-handshaken SSM
// session and authorizes it against the invoking user id. allowRootBypass
// permits uid 0 regardless of the returned owner (the privileged supervisor
// variant allows this trusted-local-launcher case; the virtual variant does
// not, per §4.7).
func FetchManaged(session *ssmproto.Session, id ssmproto.IdentityFrame, wantType string, invokingUID int, allowRootBypass bool) (*Description, error) {
	resp, err := session.FetchServerConfig(id, wantType)
	if err != nil {
		return nil, err
	}

	owner := resp.RetValue.ServerConfig.Owner
	authorized := owner == invokingUID
	if !authorized && allowRootBypass && invokingUID == 0 {
		authorized = true
	}
	if !authorized {
		return nil, fmt.Errorf("xconfig: user %d is not permitted to start display %d (owned by %d)",
			invokingUID, id.ServerNumber, owner)
	}

	// The return_value/serverconfig subtree is the description itself; we
	// re-marshal just that subtree for the staging file and the generator.
	raw := fmt.Sprintf("<serverconfig>%s</serverconfig>", resp.RetValue.ServerConfig.RawXML)
	return &Description{Owner: owner, XML: []byte(raw)}, nil
}
