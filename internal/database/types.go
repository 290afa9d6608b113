package database

import "time"

const (
	UserCollectionName   = "users"
	LoginCollectionName  = "logins"
	UploadCollectionName = "uploads"
)

// LoginStatus is the outcome of a credential check. Every value except the
// two success outcomes is terminal for the connection that triggered it.
type LoginStatus int

const (
	LoggedInSuccessfully LoginStatus = iota
	AddedNewUser
	WrongPassword
	AlreadyLoggedIn
	BackendError
)

func (s LoginStatus) String() string {
	switch s {
	case LoggedInSuccessfully:
		return "logged in successfully"
	case AddedNewUser:
		return "added new user"
	case WrongPassword:
		return "wrong password"
	case AlreadyLoggedIn:
		return "already logged in"
	case BackendError:
		return "backend error"
	default:
		return "unknown"
	}
}

type UserRecord struct {
	Username  string    `bson:"username"`
	Password  string    `bson:"password"`
	CreatedAt time.Time `bson:"created_at"`
}

type LoginRecord struct {
	ConnectionID int64      `bson:"connection_id"`
	Username     string     `bson:"username"`
	LoginAt      time.Time  `bson:"login_at"`
	LogoutAt     *time.Time `bson:"logout_at"`
}

type UploadRecord struct {
	Username   string    `bson:"username"`
	Filename   string    `bson:"filename"`
	Channel    string    `bson:"channel"`
	UploadedAt time.Time `bson:"uploaded_at"`
}

// UserStore is the credential and audit backend contract. Authenticate never
// returns AlreadyLoggedIn; login exclusivity is the registry's job. Upload
// tracking failures are non-fatal and are only logged server side.
type UserStore interface {
	Authenticate(username, password string) LoginStatus
	RecordLogin(connectionID int64, username string) error
	RecordLogout(connectionID int64) error
	LookupUser(connectionID int64) (string, bool)
	TrackUpload(username, filename, channel string) error
}
