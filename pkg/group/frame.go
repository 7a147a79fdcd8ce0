package group

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"
)

const (
	frameProbe = "probe"
	frameCall  = "call"
	frameReply = "reply"
	frameError = "error"
)

// Key derivation parameters for the frame signing key.
const (
	signingKeyIterations = 100000
	signingKeySize       = 32
)

// frame is the envelope exchanged between mesh members.
type frame struct {
	Kind    string `json:"kind"`
	Cluster string `json:"cluster"`
	From    Member `json:"from"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type frameClaims struct {
	Frame frame `json:"frm"`
	jwt.RegisteredClaims
}

// frameCodec encodes frames. With a secret the frame travels as an HMAC signed
// JWT whose issuer is the cluster id; without one it is plain JSON.
type frameCodec struct {
	cluster string
	key     []byte
}

func newFrameCodec(cluster, secret string) *frameCodec {
	c := &frameCodec{cluster: cluster}
	if secret != "" {
		salt := []byte("cluso-ha/" + cluster)
		c.key = pbkdf2.Key([]byte(secret), salt, signingKeyIterations, signingKeySize, sha256.New)
	}
	return c
}

func (c *frameCodec) signed() bool {
	return c.key != nil
}

func (c *frameCodec) encode(f frame) ([]byte, error) {
	f.Cluster = c.cluster
	if !c.signed() {
		return json.Marshal(f)
	}

	claims := frameClaims{
		Frame: f,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.cluster,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign frame: %w", err)
	}
	return []byte(s), nil
}

func (c *frameCodec) decode(data []byte) (frame, error) {
	var f frame
	if !c.signed() {
		if err := json.Unmarshal(data, &f); err != nil {
			return frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	} else {
		var claims frameClaims
		_, err := jwt.ParseWithClaims(string(data), &claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return c.key, nil
		}, jwt.WithIssuer(c.cluster))
		if err != nil {
			return frame{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		f = claims.Frame
	}

	if f.Cluster != c.cluster {
		return frame{}, fmt.Errorf("%w: %q", ErrClusterMismatch, f.Cluster)
	}
	return f, nil
}
