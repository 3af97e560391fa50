package user

type registerInput struct {
	Body credentials
}

type registerOutput struct {
	Body RegisterResponse
}

type loginInput struct {
	Body credentials
}

type loginOutput struct {
	Body LoginResponse
}

type credentials struct {
	Login    string `json:"login" doc:"Логин" minLength:"3" maxLength:"64"`
	Password string `json:"password" doc:"Пароль" minLength:"8"`
}

type RegisterResponse struct {
	ID     int    `json:"id,omitempty"`
	Status string `json:"status"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}
