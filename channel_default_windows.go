package solo

const defaultBackend = BackendPipe
