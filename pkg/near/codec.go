package near

import "fmt"

// MarshalSignedDelegateAction borsh-encodes a signed delegate action.
func MarshalSignedDelegateAction(s *SignedDelegateAction) ([]byte, error) {
	e := &encoder{}
	e.signedDelegateAction(s)
	return e.buf, e.err
}

// UnmarshalSignedDelegateAction decodes exactly one signed delegate action.
// Truncated input, trailing bytes, invalid tags and invalid account ids are
// all rejected; nothing is returned on failure.
func UnmarshalSignedDelegateAction(b []byte) (*SignedDelegateAction, error) {
	d := newDecoder(b)
	s := d.signedDelegateAction()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalDelegateAction borsh-encodes a delegate action.
func MarshalDelegateAction(da *DelegateAction) ([]byte, error) {
	e := &encoder{}
	e.delegateAction(da)
	return e.buf, e.err
}

// MarshalTransaction borsh-encodes a transaction.
func MarshalTransaction(tx *Transaction) ([]byte, error) {
	e := &encoder{}
	e.transaction(tx)
	return e.buf, e.err
}

// UnmarshalTransaction decodes exactly one transaction.
func UnmarshalTransaction(b []byte) (*Transaction, error) {
	d := newDecoder(b)
	tx := d.transaction()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MarshalSignedTransaction borsh-encodes a signed transaction.
func MarshalSignedTransaction(st *SignedTransaction) ([]byte, error) {
	e := &encoder{}
	e.transaction(&st.Transaction)
	e.signature(st.Signature)
	return e.buf, e.err
}

// UnmarshalSignedTransaction decodes exactly one signed transaction.
func UnmarshalSignedTransaction(b []byte) (*SignedTransaction, error) {
	d := newDecoder(b)
	tx := d.transaction()
	sig := d.signature()
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &SignedTransaction{Transaction: tx, Signature: sig}, nil
}

func (e *encoder) signedDelegateAction(s *SignedDelegateAction) {
	e.delegateAction(&s.DelegateAction)
	e.signature(s.Signature)
}

func (e *encoder) delegateAction(da *DelegateAction) {
	e.account(da.SenderID)
	e.account(da.ReceiverID)
	e.u32(uint32(len(da.Actions)))
	for i, a := range da.Actions {
		if err := checkNonDelegate(a.Action); err != nil {
			e.fail(fmt.Errorf("actions[%d]: %w", i, err))
			continue
		}
		e.action(a.Action)
	}
	e.u64(da.Nonce)
	e.u64(da.MaxBlockHeight)
	e.publicKey(da.PublicKey)
}

func (e *encoder) transaction(tx *Transaction) {
	e.account(tx.SignerID)
	e.publicKey(tx.PublicKey)
	e.u64(tx.Nonce)
	e.account(tx.ReceiverID)
	e.buf = append(e.buf, tx.BlockHash[:]...)
	e.u32(uint32(len(tx.Actions)))
	for _, a := range tx.Actions {
		e.action(a)
	}
}

func (e *encoder) action(a Action) {
	switch v := a.(type) {
	case CreateAccount:
		e.u8(uint8(ActionCreateAccount))
	case DeployContract:
		e.u8(uint8(ActionDeployContract))
		e.bytes(v.Code)
	case FunctionCall:
		e.u8(uint8(ActionFunctionCall))
		e.string(v.MethodName)
		e.bytes(v.Args)
		e.u64(v.Gas)
		e.u128(v.Deposit)
	case Transfer:
		e.u8(uint8(ActionTransfer))
		e.u128(v.Deposit)
	case Stake:
		e.u8(uint8(ActionStake))
		e.u128(v.Stake)
		e.publicKey(v.PublicKey)
	case AddKey:
		e.u8(uint8(ActionAddKey))
		e.publicKey(v.PublicKey)
		e.accessKey(v.AccessKey)
	case DeleteKey:
		e.u8(uint8(ActionDeleteKey))
		e.publicKey(v.PublicKey)
	case DeleteAccount:
		e.u8(uint8(ActionDeleteAccount))
		e.account(v.BeneficiaryID)
	case Delegate:
		e.u8(uint8(ActionDelegate))
		e.signedDelegateAction(&v.SignedDelegateAction)
	default:
		e.fail(fmt.Errorf("%w: %T", ErrUnknownAction, a))
	}
}

func (e *encoder) accessKey(ak AccessKey) {
	e.u64(ak.Nonce)
	fc := ak.Permission.FunctionCall
	if fc == nil {
		e.u8(1)
		return
	}
	e.u8(0)
	if fc.Allowance == nil {
		e.u8(0)
	} else {
		e.u8(1)
		e.u128(*fc.Allowance)
	}
	e.string(fc.ReceiverID)
	e.u32(uint32(len(fc.MethodNames)))
	for _, m := range fc.MethodNames {
		e.string(m)
	}
}

func (d *decoder) signedDelegateAction() SignedDelegateAction {
	da := d.delegateAction()
	sig := d.signature()
	return SignedDelegateAction{DelegateAction: da, Signature: sig}
}

func (d *decoder) delegateAction() DelegateAction {
	var da DelegateAction
	da.SenderID = d.account()
	da.ReceiverID = d.account()
	n := d.length(1)
	for i := 0; i < n && d.err == nil; i++ {
		at := d.off
		a := d.action(false)
		if d.err != nil {
			d.err = fmt.Errorf("delegate_action.actions[%d] at offset %d: %w", i, at, d.err)
			break
		}
		da.Actions = append(da.Actions, NonDelegateAction{Action: a})
	}
	da.Nonce = d.u64()
	da.MaxBlockHeight = d.u64()
	da.PublicKey = d.publicKey()
	return da
}

func (d *decoder) transaction() Transaction {
	var tx Transaction
	tx.SignerID = d.account()
	tx.PublicKey = d.publicKey()
	tx.Nonce = d.u64()
	tx.ReceiverID = d.account()
	if b := d.take(len(tx.BlockHash)); b != nil {
		copy(tx.BlockHash[:], b)
	}
	n := d.length(1)
	for i := 0; i < n && d.err == nil; i++ {
		a := d.action(true)
		if d.err != nil {
			d.err = fmt.Errorf("transaction.actions[%d]: %w", i, d.err)
			break
		}
		tx.Actions = append(tx.Actions, a)
	}
	return tx
}

func (d *decoder) action(allowDelegate bool) Action {
	at := d.off
	tag := ActionKind(d.u8())
	if d.err != nil {
		return nil
	}
	switch tag {
	case ActionCreateAccount:
		return CreateAccount{}
	case ActionDeployContract:
		return DeployContract{Code: d.bytes()}
	case ActionFunctionCall:
		var fc FunctionCall
		fc.MethodName = d.string()
		fc.Args = d.bytes()
		fc.Gas = d.u64()
		fc.Deposit = d.u128()
		return fc
	case ActionTransfer:
		return Transfer{Deposit: d.u128()}
	case ActionStake:
		var s Stake
		s.Stake = d.u128()
		s.PublicKey = d.publicKey()
		return s
	case ActionAddKey:
		var ak AddKey
		ak.PublicKey = d.publicKey()
		ak.AccessKey = d.accessKey()
		return ak
	case ActionDeleteKey:
		return DeleteKey{PublicKey: d.publicKey()}
	case ActionDeleteAccount:
		return DeleteAccount{BeneficiaryID: d.account()}
	case ActionDelegate:
		if !allowDelegate {
			d.fail(fmt.Errorf("%w (tag %d at offset %d)", ErrNestedDelegate, uint8(tag), at))
			return nil
		}
		return Delegate{SignedDelegateAction: d.signedDelegateAction()}
	default:
		d.fail(fmt.Errorf("%w: %d at offset %d", ErrUnknownAction, uint8(tag), at))
		return nil
	}
}

func (d *decoder) accessKey() AccessKey {
	var ak AccessKey
	ak.Nonce = d.u64()
	at := d.off
	switch tag := d.u8(); {
	case d.err != nil:
	case tag == 1:
	case tag == 0:
		fc := &FunctionCallPermission{}
		if d.option() {
			allowance := d.u128()
			fc.Allowance = &allowance
		}
		fc.ReceiverID = d.string()
		n := d.length(4)
		for i := 0; i < n && d.err == nil; i++ {
			fc.MethodNames = append(fc.MethodNames, d.string())
		}
		ak.Permission.FunctionCall = fc
	default:
		d.fail(fmt.Errorf("%w: access key permission tag %d at offset %d", ErrInvalidAction, tag, at))
	}
	return ak
}
