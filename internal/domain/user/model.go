package user

// User — учетная запись. Пароль хранится только в виде bcrypt-хэша,
// данные дневника на пароль не завязаны: они шифруются на клиенте.
type User struct {
	ID       int
	Login    string
	Password string // bcrypt-хэш
}
