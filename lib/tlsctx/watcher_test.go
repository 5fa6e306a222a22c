package tlsctx

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dIO/common"
	"github.com/ValentinKolb/dIO/lib/tlsctx/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPublishesNewContext(t *testing.T) {
	certs := tlstest.MustGenerate(t)

	opts, err := NewServerMTLS(certs.ServerCertFile, certs.ServerKeyFile)
	require.NoError(t, err)

	w, err := NewWatcherWithDelay(ModeServer, opts, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	initial := w.Current()
	require.NotNil(t, initial)
	oldSerial := leafSerial(t, initial.Config())
	assert.Equal(t, certs.ServerSerial.String(), oldSerial)

	require.NoError(t, certs.ReissueServer())

	var updated *Context
	require.Eventually(t, func() bool {
		select {
		case ctx := <-w.Updates():
			if leafSerial(t, ctx.Config()) == certs.ServerSerial.String() {
				updated = ctx
				return true
			}
		default:
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotSame(t, initial, updated)
	assert.Same(t, updated, w.Current())
	// the context handed out before the reload is unchanged
	assert.Equal(t, oldSerial, leafSerial(t, initial.Config()))
}

func TestWatcherRejectsInvalidInitialOptions(t *testing.T) {
	_, err := NewWatcher(ModeServer, Options{})
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	certs := tlstest.MustGenerate(t)
	opts, err := NewServerMTLSPKCS12(certs.ServerPKCS12, tlstest.PKCS12Password)
	require.NoError(t, err)

	w, err := NewWatcher(ModeServer, opts)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	_, open := <-w.Updates()
	assert.False(t, open)
}
