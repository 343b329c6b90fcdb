package batch

import (
	"fmt"

	"github.com/Chichichkin/CloudWatchLoggingAgent/internal/logging"
)

// ensureToken returns the token for the next upload, looking it up when it
// is not known yet.
func (bp *Processor) ensureToken() (string, error) {
	if token := bp.Token(); token.Resolved {
		return token.Value, nil
	}
	return bp.resolveToken()
}

// resolveToken looks up the stream's token. A missing group or stream is
// provisioned and looked up exactly once more: creation may be eventually
// consistent, so the second lookup can still miss and is then fatal.
func (bp *Processor) resolveToken() (string, error) {
	provisioned := false
	for {
		token, err := bp.transport.DescribeLogStream(bp.ctx, bp.identity)
		if err == nil {
			bp.setToken(token)
			return token, nil
		}

		te := logging.Classify(err)
		if te.Kind != logging.KindResourceNotFound {
			return "", fmt.Errorf("describe log stream %s: %w", bp.identity, err)
		}
		if provisioned {
			return "", fmt.Errorf("log %s not found after provisioning %s: %w", te.Level, bp.identity, err)
		}
		if err := bp.provisioner.provision(bp.ctx, te.Level); err != nil {
			return "", err
		}
		provisioned = true
	}
}

func (bp *Processor) setToken(value string) {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()
	bp.token = logging.SequenceToken{Value: value, Resolved: true}
}

func (bp *Processor) resetToken() {
	bp.batchMutex.Lock()
	defer bp.batchMutex.Unlock()
	bp.token = logging.SequenceToken{}
}
