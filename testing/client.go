package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gorilla/websocket"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// Signer signs request payloads with a locally stored private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	signer     sign.Signer
}

// NewSigner creates a signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}

	return &Signer{
		privateKey: privateKey,
		signer:     sign.NewEthereumSignerFromKey(privateKey),
	}, nil
}

// Sign hashes the payload bytes with Keccak256 and signs the digest, the
// same scheme the server verifies request signatures with.
func (s *Signer) Sign(data []byte) (sign.Signature, error) {
	return s.signer.Sign(crypto.Keccak256(data))
}

// GetAddress returns the address derived from the signer's public key.
func (s *Signer) GetAddress() string {
	publicKey := s.privateKey.Public().(*ecdsa.PublicKey)
	return crypto.PubkeyToAddress(*publicKey).Hex()
}

func generatePrivateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

func savePrivateKey(key *ecdsa.PrivateKey, filePath string) error {
	keyBytes := crypto.FromECDSA(key)
	keyHex := strings.TrimPrefix(hexutil.Encode(keyBytes), "0x")

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	return os.WriteFile(filePath, []byte(keyHex), 0600)
}

func loadPrivateKey(filePath string) (*ecdsa.PrivateKey, error) {
	keyHex, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return crypto.HexToECDSA(string(keyHex))
}

// Client holds a websocket connection and the signers used to sign
// outgoing requests.
type Client struct {
	conn          *websocket.Conn
	signers       []*Signer
	address       string // wallet address used for auth
	addresses     []string
	authSigner    *Signer
	noSignatures  bool
	noAuth        bool
	jwt           string
	serverURL     string
	nextRequestID uint64
}

// NewClient dials the server and prepares the signer set.
func NewClient(
	serverURL string,
	authSigner *Signer,
	noSignatures bool,
	noAuth bool,
	signers ...*Signer,
) (*Client, error) {
	if len(signers) == 0 && !noSignatures {
		return nil, fmt.Errorf("at least one signer is required unless noSignatures is enabled")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	var primaryAddress string
	var addresses []string

	if len(signers) > 0 {
		if authSigner == nil && !noAuth {
			authSigner = signers[0]
		}

		if authSigner != nil {
			primaryAddress = authSigner.GetAddress()
		}

		addresses = make([]string, len(signers))
		for i, signer := range signers {
			addresses[i] = signer.GetAddress()
		}
	} else if authSigner != nil {
		primaryAddress = authSigner.GetAddress()
		addresses = []string{primaryAddress}
	}

	return &Client{
		conn:          conn,
		signers:       signers,
		address:       primaryAddress,
		addresses:     addresses,
		authSigner:    authSigner,
		noSignatures:  noSignatures,
		noAuth:        noAuth,
		serverURL:     serverURL,
		nextRequestID: 1,
	}, nil
}

// SendRequest marshals and writes a request to the server.
func (c *Client) SendRequest(req rpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// collectSignatures signs the payload with every configured signer.
func (c *Client) collectSignatures(payload rpc.Payload) ([]sign.Signature, error) {
	if c.noSignatures {
		return []sign.Signature{}, nil
	}

	data, err := payload.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	signatures := make([]sign.Signature, len(c.signers))
	for i, signer := range c.signers {
		sig, err := signer.Sign(data)
		if err != nil {
			return nil, fmt.Errorf("failed to sign with signer %d: %w", i, err)
		}
		signatures[i] = sig
	}
	return signatures, nil
}

const (
	authApplication = "test-app"
	authScope       = "all"
	authExpirySecs  = 3600
)

var authAllowances = []rpc.Allowance{{Asset: "usdc", Amount: "10000"}}

// Authenticate runs the challenge handshake: auth_request, wait for the
// auth_challenge, then auth_verify with an EIP-712 Policy signature.
func (c *Client) Authenticate() error {
	if c.noAuth {
		fmt.Println("Authentication skipped (noAuth mode)")
		return nil
	}

	fmt.Println("Starting authentication...")

	if c.authSigner == nil {
		return fmt.Errorf("no authentication signer provided")
	}

	expiresAt := uint64(time.Now().Unix()) + authExpirySecs

	authParams, err := rpc.NewParams(rpc.AuthRequestRequest{
		Address:     c.address,
		SessionKey:  c.addresses[0],
		Application: authApplication,
		Allowances:  authAllowances,
		ExpiresAt:   expiresAt,
		Scope:       authScope,
	})
	if err != nil {
		return fmt.Errorf("failed to encode auth request params: %w", err)
	}

	authPayload := rpc.NewPayload(c.nextRequestID, rpc.AuthRequestMethod.String(), authParams)
	c.nextRequestID++

	payloadBytes, err := authPayload.Bytes()
	if err != nil {
		return fmt.Errorf("failed to encode auth request: %w", err)
	}
	signature, err := c.authSigner.Sign(payloadBytes)
	if err != nil {
		return fmt.Errorf("failed to sign auth request: %w", err)
	}

	if err := c.SendRequest(rpc.NewRequest(authPayload, signature)); err != nil {
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	fmt.Println("Waiting for challenge...")
	challengeStr, err := c.waitForChallenge(5 * time.Second)
	if err != nil {
		return err
	}
	if challengeStr == "" {
		fmt.Println("No auth challenge received; skipping auth flow.")
		return nil
	}

	fmt.Printf("Found challenge: %s\n", challengeStr)

	verifyParams, err := rpc.NewParams(map[string]any{"challenge": challengeStr})
	if err != nil {
		return fmt.Errorf("failed to encode auth verify params: %w", err)
	}
	verifyPayload := rpc.NewPayload(c.nextRequestID, rpc.AuthVerifyMethod.String(), verifyParams)
	c.nextRequestID++

	policySig, err := c.signPolicy(challengeStr, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to sign policy: %w", err)
	}

	if err := c.SendRequest(rpc.NewRequest(verifyPayload, policySig)); err != nil {
		return fmt.Errorf("failed to send verify request: %w", err)
	}

	fmt.Println("Waiting for verification response...")
	return c.waitForVerification(5 * time.Second)
}

// signPolicy produces the EIP-712 signature over the Policy structure the
// server expects for auth_verify.
func (c *Client) signPolicy(challenge string, expiresAt uint64) (sign.Signature, error) {
	allowances := make([]map[string]interface{}, len(authAllowances))
	for i, a := range authAllowances {
		allowances[i] = map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: authApplication},
		Message: map[string]interface{}{
			"challenge":   challenge,
			"scope":       authScope,
			"wallet":      c.address,
			"session_key": c.addresses[0],
			"expires_at":  new(big.Int).SetUint64(expiresAt),
			"allowances":  allowances,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}

	sigBytes, err := crypto.Sign(hash, c.authSigner.privateKey)
	if err != nil {
		return nil, err
	}
	return sign.Signature(sigBytes), nil
}

// waitForChallenge reads messages until an auth_challenge arrives or the
// deadline passes. Other notifications (the assets snapshot for one) are
// skipped.
func (c *Client) waitForChallenge(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	defer c.conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", fmt.Errorf("timed out waiting for challenge")
			}
			return "", fmt.Errorf("failed to read challenge response: %w", err)
		}

		var resp rpc.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("failed to parse challenge response: %w", err)
		}

		if resp.Res.Method != rpc.AuthChallengeMethod.String() {
			fmt.Printf("Skipping non-auth message: %s\n", resp.Res.Method)
			continue
		}

		var challenge rpc.AuthRequestResponse
		if err := resp.Res.Params.Translate(&challenge); err != nil {
			return "", fmt.Errorf("failed to parse challenge params: %w", err)
		}
		return challenge.ChallengeMessage.String(), nil
	}

	return "", nil
}

// waitForVerification reads messages until the auth_verify response
// arrives or the deadline passes.
func (c *Client) waitForVerification(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	defer c.conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return fmt.Errorf("timed out waiting for verification response")
			}
			return fmt.Errorf("failed to read verify response: %w", err)
		}

		var resp rpc.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to parse verify response: %w", err)
		}

		switch resp.Res.Method {
		case rpc.ErrorMethod.String():
			return fmt.Errorf("authentication failed: %v", resp.Error())
		case rpc.AuthVerifyMethod.String():
			var verify rpc.AuthSigVerifyResponse
			if err := resp.Res.Params.Translate(&verify); err != nil {
				return fmt.Errorf("failed to parse verify params: %w", err)
			}
			if !verify.Success {
				return fmt.Errorf("authentication failed")
			}
			if verify.JwtToken != "" {
				c.jwt = verify.JwtToken
				fmt.Println("JWT token received!")
			}
			fmt.Println("Authentication successful!")
			return nil
		default:
			fmt.Printf("Skipping non-auth message: %s\n", resp.Res.Method)
		}
	}

	fmt.Println("No verification response received; proceeding anyway.")
	return nil
}

// Close closes the websocket connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func main() {
	var (
		methodFlag  = flag.String("method", "", "RPC method name")
		idFlag      = flag.Uint64("id", 1, "Request ID")
		paramsFlag  = flag.String("params", "{}", "JSON object of parameters")
		sidFlag     = flag.String("sid", "", "App session ID for app-session methods")
		sendFlag    = flag.Bool("send", false, "Send the message to the server")
		serverFlag  = flag.String("server", "ws://localhost:8000/ws", "WebSocket server URL (or set SERVER env)")
		genKeyFlag  = flag.String("genkey", "", "Generate a new key and exit. Use a signer number (e.g., '1', '2').")
		signersFlag = flag.String("signers", "", "Comma-separated signer numbers (e.g., '1,2,3'). If empty, all found signers are used.")
		authFlag    = flag.String("auth", "", "Signer number to authenticate with (e.g., '1'). Defaults to first signer if omitted.")
		noSignFlag  = flag.Bool("nosign", false, "Send request without signatures")
		noAuthFlag  = flag.Bool("noauth", false, "Skip authentication flow")
	)

	flag.Parse()

	if serverEnv := os.Getenv("SERVER"); serverEnv != "" {
		*serverFlag = serverEnv
	}

	currentDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Error getting working directory: %v", err)
	}

	if *genKeyFlag != "" {
		generateKey(*genKeyFlag, currentDir)
		os.Exit(0)
	}

	if *methodFlag == "" {
		fmt.Println("Error: method is required")
		flag.Usage()
		os.Exit(1)
	}

	var params rpc.Params
	if err := json.Unmarshal([]byte(*paramsFlag), &params); err != nil {
		log.Fatalf("Error parsing params JSON: %v", err)
	}

	allSigners, signerMapping := findSigners(currentDir)
	if len(allSigners) == 0 {
		log.Fatalf("No signers found. Generate at least one key with --genkey.")
	}

	signers := selectSigners(allSigners, signerMapping, *signersFlag)
	authSigner := getAuthSigner(signers, signerMapping, *authFlag, *sendFlag)

	request, err := prepareRequest(*methodFlag, *idFlag, params, *sidFlag, signers, *noSignFlag)
	if err != nil {
		log.Fatalf("Error preparing request: %v", err)
	}

	printMessageInfo(request, *sendFlag, signers, authSigner, *noSignFlag, *noAuthFlag, *serverFlag)

	if *sendFlag {
		client, err := NewClient(*serverFlag, authSigner, *noSignFlag, *noAuthFlag, signers...)
		if err != nil {
			log.Fatalf("Error creating client: %v", err)
		}
		defer client.Close()

		if err := client.Authenticate(); err != nil {
			log.Fatalf("Authentication failed: %v", err)
		}

		if err := client.SendRequest(request); err != nil {
			log.Fatalf("Error sending message: %v", err)
		}

		readResponses(client)
	}
}

// generateKey creates a new key file and prints its address.
func generateKey(genKeyFlag string, currentDir string) {
	var signerNum int
	if _, err := fmt.Sscanf(genKeyFlag, "%d", &signerNum); err != nil {
		log.Fatalf("Invalid genkey value. Use a signer number (e.g., '1'): %v", err)
	}
	if signerNum < 1 {
		log.Fatalf("Signer number must be at least 1")
	}

	keyPath := filepath.Join(currentDir, fmt.Sprintf("signer_key_%d.hex", signerNum))
	key, err := generatePrivateKey()
	if err != nil {
		log.Fatalf("Error generating private key: %v", err)
	}
	if err := savePrivateKey(key, keyPath); err != nil {
		log.Fatalf("Error saving private key: %v", err)
	}

	signer, err := NewSigner(hexutil.Encode(crypto.FromECDSA(key)))
	if err != nil {
		log.Fatalf("Error creating signer: %v", err)
	}

	fmt.Printf("Generated signer #%d key at: %s\n", signerNum, keyPath)
	fmt.Printf("Ethereum Address: %s\n", signer.GetAddress())

	keyHex, err := os.ReadFile(keyPath)
	if err != nil {
		log.Fatalf("Error reading key file: %v", err)
	}
	fmt.Printf("Private Key (add 0x prefix for MetaMask): %s\n", string(keyHex))
}

// findSigners loads every signer_key_<n>.hex in the directory.
func findSigners(currentDir string) ([]*Signer, map[int]*Signer) {
	files, err := os.ReadDir(currentDir)
	if err != nil {
		log.Fatalf("Error reading directory: %v", err)
	}

	allSigners := make([]*Signer, 0)
	signerMapping := make(map[int]*Signer)

	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "signer_key_") || !strings.HasSuffix(file.Name(), ".hex") {
			continue
		}
		keyPath := filepath.Join(currentDir, file.Name())

		numStr := strings.TrimPrefix(file.Name(), "signer_key_")
		numStr = strings.TrimSuffix(numStr, ".hex")

		var signerNum int
		if _, err := fmt.Sscanf(numStr, "%d", &signerNum); err != nil {
			log.Printf("Warning: Could not parse signer number from %s: %v", file.Name(), err)
			continue
		}

		key, err := loadPrivateKey(keyPath)
		if err != nil {
			log.Printf("Warning: Error loading key %s: %v", file.Name(), err)
			continue
		}

		signer, err := NewSigner(hexutil.Encode(crypto.FromECDSA(key)))
		if err != nil {
			log.Printf("Warning: Error creating signer from %s: %v", file.Name(), err)
			continue
		}

		allSigners = append(allSigners, signer)
		signerMapping[signerNum] = signer
		fmt.Printf("Found signer #%d: %s from %s\n", signerNum, signer.GetAddress(), file.Name())
	}

	return allSigners, signerMapping
}

// selectSigners resolves the --signers flag against the loaded keys.
func selectSigners(allSigners []*Signer, signerMapping map[int]*Signer, signersFlag string) []*Signer {
	var signers []*Signer

	if signersFlag != "" {
		for _, numStr := range strings.Split(signersFlag, ",") {
			numStr = strings.TrimSpace(numStr)
			var num int
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
				log.Fatalf("Error parsing signer number '%s': %v", numStr, err)
			}
			if signer, ok := signerMapping[num]; ok {
				signers = append(signers, signer)
				fmt.Printf("Using signer #%d: %s\n", num, signer.GetAddress())
			} else {
				log.Fatalf("Signer #%d not found", num)
			}
		}
		if len(signers) == 0 {
			log.Fatalf("No valid signers specified")
		}
	} else {
		signers = allSigners
		for i := 0; i < len(signers); i++ {
			var signerNum int
			for num, s := range signerMapping {
				if s == signers[i] {
					signerNum = num
					break
				}
			}
			fmt.Printf("Using signer #%d: %s\n", signerNum, signers[i].GetAddress())
		}
	}
	return signers
}

// getAuthSigner resolves the --auth flag against the loaded keys.
func getAuthSigner(signers []*Signer, signerMapping map[int]*Signer, authFlag string, sendFlag bool) *Signer {
	var authSigner *Signer

	if authFlag != "" {
		var authNum int
		if _, err := fmt.Sscanf(authFlag, "%d", &authNum); err != nil {
			log.Fatalf("Error parsing auth signer number '%s': %v", authFlag, err)
		}
		if signer, ok := signerMapping[authNum]; ok {
			authSigner = signer
			fmt.Printf("Using signer #%d for authentication: %s\n", authNum, signer.GetAddress())
		} else {
			log.Fatalf("Auth signer #%d not found", authNum)
		}
	} else if len(signers) > 0 {
		authSigner = signers[0]
		var signerNum int
		for num, s := range signerMapping {
			if s == authSigner {
				signerNum = num
				break
			}
		}
		if sendFlag {
			fmt.Printf("Using signer #%d for authentication: %s\n", signerNum, authSigner.GetAddress())
		}
	}
	return authSigner
}

// prepareRequest builds and signs the request to send.
func prepareRequest(
	method string,
	requestID uint64,
	params rpc.Params,
	appSessionID string,
	signers []*Signer,
	noSign bool,
) (rpc.Request, error) {
	payload := rpc.NewPayload(requestID, method, params)

	var signatures []sign.Signature
	if !noSign {
		tempClient := &Client{signers: signers}
		var err error
		signatures, err = tempClient.collectSignatures(payload)
		if err != nil {
			return rpc.Request{}, err
		}
	}

	request := rpc.NewRequest(payload, signatures...)
	request.AppSessionID = appSessionID
	return request, nil
}

// printMessageInfo displays the payload and, when not sending, the plan.
func printMessageInfo(
	request rpc.Request,
	sendFlag bool,
	signers []*Signer,
	authSigner *Signer,
	noSignFlag, noAuthFlag bool,
	serverFlag string,
) {
	fmt.Println("\nPayload:")
	output, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling final message: %v", err)
	}
	fmt.Println(string(output))

	if !sendFlag {
		fmt.Println("\nDescription:")

		if noSignFlag {
			fmt.Println("\nSignatures: No signatures will be included (--nosign flag)")
		} else if len(request.Sig) == 0 {
			fmt.Println("\nSignatures: Empty signature array")
		} else {
			fmt.Printf("\nSignatures: Message will be signed by %d signers\n", len(request.Sig))
			for i, s := range signers {
				fmt.Printf("  - Signer #%d: %s\n", i+1, s.GetAddress())
			}
		}

		if noAuthFlag {
			fmt.Println("\nAuthentication: None (--noauth flag)")
		} else if authSigner != nil {
			fmt.Printf("\nAuthentication: Using %s for authentication\n", authSigner.GetAddress())
		} else if noSignFlag {
			fmt.Println("\nAuthentication: None (--nosign flag)")
		}

		fmt.Printf("\nTarget server: %s\n", serverFlag)
		fmt.Println("\nTo execute this plan, run with the --send flag")
		fmt.Println()
	}
}

// readResponses prints server messages until the connection quiets down.
func readResponses(client *Client) {
	fmt.Println("\nServer responses:")
	responseCount := 0

	for {
		client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		_, respMsg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				websocket.IsUnexpectedCloseError(err) {
				fmt.Println("Connection closed by server.")
				break
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if responseCount > 0 {
					fmt.Println("No more messages received.")
				} else {
					fmt.Println("No response received within timeout period.")
				}
				break
			}
			log.Fatalf("Error reading response: %v", err)
		}

		var respObj map[string]any
		if err := json.Unmarshal(respMsg, &respObj); err != nil {
			log.Fatalf("Error parsing response: %v", err)
		}
		respOut, err := json.MarshalIndent(respObj, "", "  ")
		if err != nil {
			log.Fatalf("Error marshaling response: %v", err)
		}

		fmt.Printf("\nResponse #%d:\n", responseCount+1)
		fmt.Println(string(respOut))
		responseCount++
	}
}
