package near

import "fmt"

// ActionKind is the borsh enum tag of an action.
type ActionKind uint8

const (
	ActionCreateAccount  ActionKind = 0
	ActionDeployContract ActionKind = 1
	ActionFunctionCall   ActionKind = 2
	ActionTransfer       ActionKind = 3
	ActionStake          ActionKind = 4
	ActionAddKey         ActionKind = 5
	ActionDeleteKey      ActionKind = 6
	ActionDeleteAccount  ActionKind = 7
	ActionDelegate       ActionKind = 8
)

var actionKindNames = map[ActionKind]string{
	ActionCreateAccount:  "CreateAccount",
	ActionDeployContract: "DeployContract",
	ActionFunctionCall:   "FunctionCall",
	ActionTransfer:       "Transfer",
	ActionStake:          "Stake",
	ActionAddKey:         "AddKey",
	ActionDeleteKey:      "DeleteKey",
	ActionDeleteAccount:  "DeleteAccount",
	ActionDelegate:       "Delegate",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action is one of the ledger-native action variants below.
type Action interface {
	Kind() ActionKind
}

type CreateAccount struct{}

type DeployContract struct {
	Code []byte
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    Balance
}

type Transfer struct {
	Deposit Balance
}

type Stake struct {
	Stake     Balance
	PublicKey PublicKey
}

type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

type DeleteKey struct {
	PublicKey PublicKey
}

type DeleteAccount struct {
	BeneficiaryID AccountID
}

// Delegate carries a nested signed delegate action. It is never allowed
// inside another delegate action.
type Delegate struct {
	SignedDelegateAction SignedDelegateAction
}

func (CreateAccount) Kind() ActionKind  { return ActionCreateAccount }
func (DeployContract) Kind() ActionKind { return ActionDeployContract }
func (FunctionCall) Kind() ActionKind   { return ActionFunctionCall }
func (Transfer) Kind() ActionKind       { return ActionTransfer }
func (Stake) Kind() ActionKind          { return ActionStake }
func (AddKey) Kind() ActionKind         { return ActionAddKey }
func (DeleteKey) Kind() ActionKind      { return ActionDeleteKey }
func (DeleteAccount) Kind() ActionKind  { return ActionDeleteAccount }
func (Delegate) Kind() ActionKind       { return ActionDelegate }

// AccessKey is the access key granted by AddKey.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

// AccessKeyPermission is either full access (FunctionCall == nil) or a
// function-call-only grant.
type AccessKeyPermission struct {
	FunctionCall *FunctionCallPermission
}

type FunctionCallPermission struct {
	Allowance   *Balance
	ReceiverID  string
	MethodNames []string
}

// NonDelegateAction is an action allowed inside a delegate action.
type NonDelegateAction struct {
	Action Action
}

// NewNonDelegateAction wraps a, rejecting nested delegate actions.
func NewNonDelegateAction(a Action) (NonDelegateAction, error) {
	if err := checkNonDelegate(a); err != nil {
		return NonDelegateAction{}, err
	}
	return NonDelegateAction{Action: a}, nil
}

// MustNonDelegate is NewNonDelegateAction for statically known actions.
func MustNonDelegate(a Action) NonDelegateAction {
	n, err := NewNonDelegateAction(a)
	if err != nil {
		panic(err)
	}
	return n
}

// ToAction converts back to the ledger-native action.
func (n NonDelegateAction) ToAction() (Action, error) {
	if err := checkNonDelegate(n.Action); err != nil {
		return nil, err
	}
	return n.Action, nil
}

func checkNonDelegate(a Action) error {
	if a == nil {
		return fmt.Errorf("%w: empty action", ErrInvalidAction)
	}
	if a.Kind() == ActionDelegate {
		return ErrNestedDelegate
	}
	if _, ok := actionKindNames[a.Kind()]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAction, uint8(a.Kind()))
	}
	return nil
}
